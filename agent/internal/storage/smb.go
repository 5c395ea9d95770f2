package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"
)

// SMBCreds is the credential variant for SMB connectors.
type SMBCreds struct {
	Host     string // "fileserver.example.com" or "host:445"
	Domain   string
	Username string
	Password string
}

// SMBCredsFromMap builds SMBCreds from a vault credential map.
func SMBCredsFromMap(m map[string]string) SMBCreds {
	return SMBCreds{
		Host:     m["host"],
		Domain:   m["domain"],
		Username: m["username"],
		Password: m["password"],
	}
}

// smbDialTimeout bounds the TCP connect to the file server.
const smbDialTimeout = 10 * time.Second

// SMBAdapter lists files on SMB shares. Locations are "share" or
// "share/path". Each listing attempt registers a fresh session; a session
// dropped mid-traversal is therefore re-registered by the retry loop rather
// than patched in place.
type SMBAdapter struct {
	creds SMBCreds
}

// NewSMB returns an SMBAdapter. No connection is made until first use.
func NewSMB(creds SMBCreds) *SMBAdapter {
	return &SMBAdapter{creds: creds}
}

// ListFiles implements Adapter.
func (a *SMBAdapter) ListFiles(ctx context.Context, location string) ([]string, error) {
	infos, err := a.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(infos))
	for i, fi := range infos {
		paths[i] = fi.Path
	}
	return paths, nil
}

// ListFilesWithMetadata implements Adapter.
func (a *SMBAdapter) ListFilesWithMetadata(ctx context.Context, location string) ([]FileInfo, error) {
	shareName, subdir, err := splitShareLocation(location)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	listOnce := func() error {
		files = files[:0]

		session, conn, err := a.register(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer session.Logoff()

		share, err := session.Mount(shareName)
		if err != nil {
			return a.classify("smb: mount "+shareName, err)
		}
		defer share.Umount()

		if err := a.walk(ctx, share, subdir, subdir, &files); err != nil {
			return err
		}
		return nil
	}

	if err := withRetry(ctx, listOnce); err != nil {
		return nil, err
	}
	return files, nil
}

// TestConnection implements Adapter.
func (a *SMBAdapter) TestConnection(ctx context.Context) (bool, string) {
	session, conn, err := a.register(ctx)
	if err != nil {
		return false, fmt.Sprintf("session registration failed: %v", err)
	}
	defer conn.Close()
	defer session.Logoff()

	names, err := session.ListSharenames()
	if err != nil {
		return false, fmt.Sprintf("list shares failed: %v", err)
	}
	return true, fmt.Sprintf("connected to %s, %d share(s) visible", a.creds.Host, len(names))
}

// register dials the file server and negotiates an authenticated session.
func (a *SMBAdapter) register(ctx context.Context) (*smb2.Session, net.Conn, error) {
	addr := a.creds.Host
	if !strings.Contains(addr, ":") {
		addr += ":445"
	}

	dialer := &net.Dialer{Timeout: smbDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, newError(KindConnectionFailure, "smb: dial "+addr, err)
	}

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     a.creds.Username,
			Password: a.creds.Password,
			Domain:   a.creds.Domain,
		},
	}
	session, err := d.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, nil, a.classify("smb: negotiate session", err)
	}
	return session, conn, nil
}

// walk recursively lists dir on share, appending files relative to base.
func (a *SMBAdapter) walk(ctx context.Context, share *smb2.Share, base, dir string, out *[]FileInfo) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	readDir := dir
	if readDir == "" {
		readDir = "."
	}
	entries, err := share.ReadDir(readDir)
	if err != nil {
		return a.classify("smb: readdir "+readDir, err)
	}

	for _, e := range entries {
		full := path.Join(dir, e.Name())
		if e.IsDir() {
			if err := a.walk(ctx, share, base, full, out); err != nil {
				return err
			}
			continue
		}
		rel := full
		if base != "" {
			rel = strings.TrimPrefix(full, base+"/")
		}
		*out = append(*out, FileInfo{
			Path:    rel,
			Size:    e.Size(),
			ModTime: e.ModTime(),
		})
	}
	return nil
}

// classify maps SMB status errors to normalized Errors. Authentication
// failures are terminal; a dropped connection is transient so the retry
// loop re-registers the session.
func (a *SMBAdapter) classify(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "LOGON_FAILURE"),
		strings.Contains(msg, "ACCESS_DENIED"),
		strings.Contains(msg, "ACCOUNT_DISABLED"):
		return newError(KindPermissionDenied, op, err)
	case strings.Contains(msg, "OBJECT_NAME_NOT_FOUND"),
		strings.Contains(msg, "OBJECT_PATH_NOT_FOUND"),
		strings.Contains(msg, "BAD_NETWORK_NAME"):
		return newError(KindNotFound, op, err)
	default:
		return newError(KindConnectionFailure, op, err)
	}
}

// splitShareLocation splits "share/sub/dir" into share and subdirectory.
func splitShareLocation(location string) (share, subdir string, err error) {
	loc := strings.Trim(strings.TrimPrefix(location, "smb://"), "/")
	if loc == "" {
		return "", "", newError(KindInvalidLocation, "split location "+location,
			errors.New("empty share"))
	}
	parts := strings.SplitN(loc, "/", 2)
	share = parts[0]
	if len(parts) == 2 {
		subdir = strings.Trim(parts[1], "/")
	}
	return share, subdir, nil
}
