package signing

import "github.com/fabrice-guiot/shuttersense/shared/types"

// completionPayload is the signed portion of a completion request. The
// Signature field never participates; optional fields are present only when
// set, matching the JSON the agent actually sends.
func completionPayload(req types.CompleteRequest) map[string]any {
	payload := map[string]any{
		"files_scanned": req.FilesScanned,
		"issues_found":  req.IssuesFound,
	}
	if req.Results != nil {
		payload["results"] = req.Results
	}
	if req.ReportHTML != "" {
		payload["report_html"] = req.ReportHTML
	}
	if req.InputStateHash != "" {
		payload["input_state_hash"] = req.InputStateHash
	}
	if req.UploadID != "" {
		payload["upload_id"] = req.UploadID
	}
	return payload
}

// SignCompletion computes the signature for a completion request.
func SignCompletion(secret string, req types.CompleteRequest) (string, error) {
	return Sign(secret, completionPayload(req))
}

// VerifyCompletion checks a completion request's signature.
func VerifyCompletion(secret string, req types.CompleteRequest) bool {
	return Verify(secret, completionPayload(req), req.Signature)
}

// SignFailure computes the signature for a failure (or cancellation) request.
func SignFailure(secret string, req types.FailRequest) (string, error) {
	return Sign(secret, map[string]any{"error_message": req.ErrorMessage})
}

// VerifyFailure checks a failure request's signature.
func VerifyFailure(secret string, req types.FailRequest) bool {
	return Verify(secret, map[string]any{"error_message": req.ErrorMessage}, req.Signature)
}
