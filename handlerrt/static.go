package handlerrt

import (
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"code.xhttpd.io/xhttpd/httpparse"
	"code.xhttpd.io/xhttpd/request"
	"code.xhttpd.io/xhttpd/stream"
)

// StaticFileHandler resolves a request target against a configured
// document root and serves the matching file, mirroring
// original_source's userdir.cpp path-rewriting rule (resolve
// document-root + path-info tail, then stat it) without the ~user
// expansion, which is UNIX-account specific and out of scope here.
type StaticFileHandler struct {
	// DocumentRoot is the directory static files are served from.
	DocumentRoot string
	// Index is appended to a request path that resolves to a directory
	// (default "index.html" if empty).
	Index string
}

func (h *StaticFileHandler) Setup() error {
	if h.DocumentRoot == "" {
		return errNoDocumentRoot
	}
	if h.Index == "" {
		h.Index = "index.html"
	}
	return nil
}

var errNoDocumentRoot = &configError{"StaticFileHandler: DocumentRoot is required"}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

// Main resolves req.Target under DocumentRoot and writes the file, or
// finishes the Request with a 400/404/403/500 default body (spec.md §4.3).
func (h *StaticFileHandler) Main(req *request.Request) Outcome {
	req.DocumentRoot = h.DocumentRoot

	clean, ok := h.resolve(req.Target)
	if !ok {
		req.SetStatus(httpparse.StatusBadRequest)
		req.Finish()
		return Done
	}

	fullPath := filepathJoin(h.DocumentRoot, clean)

	info, err := os.Stat(fullPath)
	if err == nil && info.IsDir() {
		fullPath = filepathJoin(fullPath, h.Index)
		info, err = os.Stat(fullPath)
	}
	if err != nil {
		if os.IsPermission(err) {
			req.SetStatus(403)
		} else {
			req.SetStatus(404)
		}
		req.Finish()
		return Done
	}

	req.FileInfoKnown = true
	req.PathInfo = clean

	f, err := os.Open(fullPath)
	if err != nil {
		req.SetStatus(500)
		req.Finish()
		return Done
	}

	req.SetStatus(200)
	req.OverwriteResponseHeader("Content-Length", strconv.FormatInt(info.Size(), 10))
	req.Write(stream.NewFileSource(f, 0, info.Size()))
	req.Finish()
	return Done
}

// resolve turns a request target into a clean, document-root-relative
// path, rejecting any attempt to escape the root via "..".
func (h *StaticFileHandler) resolve(target string) (string, bool) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return "", false
	}
	if strings.Contains(u.Path, "..") {
		return "", false
	}
	return path.Clean("/" + u.Path), true
}

func filepathJoin(a, b string) string {
	return path.Join(a, b)
}
