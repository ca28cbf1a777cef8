package conveyor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Transport performs one transfer. local is the snapshot to upload for a
// PUT. It returns the response code and the arguments it ran with.
type Transport interface {
	Transfer(ctx context.Context, ev *Event, target *url.URL, local string) (status int, args []string, err error)
}

// FileTransport handles file:// destinations directly on the local
// filesystem.
type FileTransport struct{}

func (FileTransport) Transfer(ctx context.Context, ev *Event, target *url.URL, local string) (int, []string, error) {
	dst := target.Path
	switch ev.Method {
	case MethodPut:
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return 0, nil, transferError("%v", err)
		}
		if err := os.Rename(local, dst); err != nil {
			if err := copyFile(local, dst); err != nil {
				return 0, nil, transferError("%v", err)
			}
		}
		return 201, nil, nil
	case MethodDelete:
		if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, nil, transferError("%v", err)
		}
		return 204, nil, nil
	case MethodGet:
		if _, err := os.Stat(dst); err != nil {
			return 404, nil, transferError("%v", err)
		}
		return 200, nil, nil
	}
	return 200, nil, nil
}

// curl exit statuses with special meaning.
const (
	curlGotNothing       = 52
	curlRemoteFileAbsent = 78
)

// CurlTransport shells out to curl(1) for http, https and sftp.
type CurlTransport struct {
	Client    string
	Username  string
	Password  string
	Identity  string
	UserAgent string
	// KillDelay bounds how long a cancelled client may take to exit.
	KillDelay time.Duration
}

// Args builds the curl command line for ev. The response code is written
// to stdout through --write-out.
func (t *CurlTransport) Args(ev *Event, target *url.URL, local string) []string {
	args := []string{"--silent", "--show-error", "--write-out", "%{http_code}", "--output", os.DevNull}

	sftp := target.Scheme == "sftp"
	switch {
	case sftp && t.Identity != "":
		args = append(args, "--key", t.Identity, "--pass", t.Password, "-u", t.Username+":")
	case t.Username != "" && t.Password != "":
		args = append(args, "-u", t.Username+":"+t.Password)
	case t.Username != "":
		args = append(args, "-u", t.Username)
	}

	ua := ev.UserAgent
	if ua == "" {
		ua = t.UserAgent
	}
	if ua != "" {
		args = append(args, "-A", ua)
	}
	for _, h := range ev.Header {
		args = append(args, "-H", h)
	}

	switch ev.Method {
	case MethodPut:
		args = append(args, "-T", local, target.String())
	case MethodDelete:
		if sftp {
			dir := *target
			dir.Path = "/"
			dir.RawPath = ""
			args = append(args, "-Q", "rm "+target.Path, dir.String())
		} else {
			args = append(args, "-X", "DELETE", target.String())
		}
	default:
		args = append(args, target.String())
	}
	return args
}

func (t *CurlTransport) Transfer(ctx context.Context, ev *Event, target *url.URL, local string) (int, []string, error) {
	args := t.Args(ev, target, local)
	client := t.Client
	if client == "" {
		client = "curl"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, client, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = t.KillDelay
	runErr := cmd.Run()

	code, _ := strconv.Atoi(strings.TrimSpace(stdout.String()))
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) || exitErr.ExitCode() < 0 {
			return code, args, transferError("%s: %v", client, runErr)
		}
		exit := exitErr.ExitCode()
		switch {
		case exit == curlGotNothing && ev.AllowEmptyReply:
			return 200, args, nil
		case exit == curlRemoteFileAbsent && ev.Method == MethodDelete:
			return 200, args, nil
		}
		return code, args, &exitError{code: exit, err: transferError("%s exited %d: %s", client, exit, strings.TrimSpace(stderr.String()))}
	}

	if target.Scheme == "sftp" && code == 0 {
		code = 200
	}
	if code < 200 || code > 299 {
		return code, args, transferError("response code %d", code)
	}
	return code, args, nil
}

// exitError carries the client exit status alongside ErrTransferFailed.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCodeOf(err error) int {
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	if err != nil {
		return -1
	}
	return 0
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// redactArgs hides credentials in a curl argument list for logging.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		switch out[i] {
		case "-u":
			if user, _, found := strings.Cut(out[i+1], ":"); found {
				out[i+1] = user + ":xxxxx"
			}
		case "--pass":
			out[i+1] = "xxxxx"
		}
	}
	return out
}
