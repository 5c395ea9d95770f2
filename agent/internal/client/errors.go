package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Sentinel errors the polling loop branches on. Everything the server can do
// to an agent collapses into one of these classes.
var (
	// ErrConnection covers refused connections, DNS failures, TLS failures
	// and timeouts — anything where no usable HTTP response arrived.
	ErrConnection = errors.New("client: connection failed")

	// ErrAuthRejected means the server did not accept the credential
	// (bad or missing API key, invalid registration token).
	ErrAuthRejected = errors.New("client: authentication rejected")

	// ErrRevoked means the server recognized the agent but the agent has
	// been revoked. The loop exits permanently on this.
	ErrRevoked = errors.New("client: agent revoked")

	// ErrForbidden means the resource exists but is not this agent's
	// (wrong tenant, job not assigned). Never retried.
	ErrForbidden = errors.New("client: forbidden")

	// ErrNotFound means the addressed resource does not exist.
	ErrNotFound = errors.New("client: not found")
)

// APIError carries the server's error message and machine-readable code for
// 4xx/5xx responses that do not map to a sentinel.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d (%s): %s", e.Status, e.Code, e.Message)
}

// codeAgentRevoked is the error code the server uses to distinguish a
// revoked agent from a plain bad credential on 401 responses.
const codeAgentRevoked = "agent_revoked"

// connectionError wraps a transport-level failure in ErrConnection.
func connectionError(err error) error {
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// errorFromResponse converts a non-2xx response into the matching sentinel
// or an *APIError carrying the server's detail.
func errorFromResponse(resp *http.Response) error {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(body, &env)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if env.Error.Code == codeAgentRevoked {
			return ErrRevoked
		}
		return ErrAuthRejected
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}

	return &APIError{
		Status:  resp.StatusCode,
		Code:    env.Error.Code,
		Message: env.Error.Message,
	}
}
