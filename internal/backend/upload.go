package backend

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fieldsync/internal/domain"
	"fieldsync/internal/executor"
)

// uploadPhoto streams the file at payload.uri as multipart form data,
// reporting progress as bytes leave the file.
func (c *Client) uploadPhoto(ctx context.Context, r route, a domain.QueuedAction, progress executor.ProgressFunc) (*executor.ConflictInfo, error) {
	path, fields, err := r.build(a.Payload)
	if err != nil {
		return nil, executor.Permanent(err)
	}
	uri, _ := fields["uri"].(string)
	delete(fields, "uri")
	if uri == "" {
		return nil, executor.Permanent(fmt.Errorf("%w: uri", ErrMissingField))
	}
	name := strings.TrimPrefix(uri, "file://")

	f, err := os.Open(name)
	if err != nil {
		// the photo is gone from the device; retrying cannot bring it back
		return nil, executor.Permanent(fmt.Errorf("open photo: %w", err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, executor.Permanent(fmt.Errorf("stat photo: %w", err))
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	src := &progressReader{r: f, total: info.Size(), report: progress}

	go func() {
		pw.CloseWithError(writeForm(mw, fields, filepath.Base(name), src))
	}()
	defer pr.Close()

	return c.do(ctx, a, r.method, path, mw.FormDataContentType(), pr)
}

func writeForm(mw *multipart.Writer, fields map[string]any, filename string, file io.Reader) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, fmt.Sprint(fields[k])); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("photo", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return mw.Close()
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report executor.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && p.report != nil {
		// 100 is reserved for the confirmed response
		pct := min(int(p.read*100/p.total), 99)
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
