package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileDrop writes artifacts into the ERP's import directory. The write is
// temp-and-rename so the importer never sees a partial file.
type FileDrop struct {
	Dir string
}

func (f *FileDrop) Deliver(_ context.Context, filename string, data []byte) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.Dir, ".export-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(f.Dir, filename))
}

// HTTPDelivery posts artifacts to a local ERP bridge endpoint.
type HTTPDelivery struct {
	Endpoint string
	HTTP     *http.Client
}

func NewHTTPDelivery(endpoint string) *HTTPDelivery {
	return &HTTPDelivery{Endpoint: endpoint, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (h *HTTPDelivery) Deliver(ctx context.Context, filename string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	contentType := "text/csv; charset=utf-8"
	if strings.HasSuffix(filename, ".xml") {
		contentType = "application/xml"
	} else if strings.HasSuffix(filename, ".json") {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Export-Filename", filename)

	resp, err := h.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("erp bridge %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
