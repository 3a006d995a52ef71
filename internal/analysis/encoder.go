package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/httpclient"
	"github.com/tphakala/clipguard/internal/storage"
)

// Encodings accepted by NewEncoder.
const (
	EncodingMultipart = "multipart"
	EncodingJSON      = "json"
)

const (
	multipartPath = "/analyze-video/"
	jsonPath      = "/analyze-video"

	uploadFieldName   = "video"
	uploadFilename    = "video.mp4"
	uploadContentType = "video/mp4"
)

// Payload is an encoded submission body. Reference names the asset reference
// the body was built from.
type Payload struct {
	Path        string
	ContentType string
	Body        io.Reader
	Reference   string
}

// Encoder turns a request into a submission body.
type Encoder interface {
	Name() string
	Encode(ctx context.Context, req Request) (Payload, error)
}

// NewEncoder returns the encoder registered under name. An empty name selects
// multipart.
func NewEncoder(name string, client *httpclient.Client) (Encoder, error) {
	switch name {
	case "", EncodingMultipart:
		return &MultipartEncoder{Client: client}, nil
	case EncodingJSON:
		return JSONEncoder{}, nil
	default:
		return nil, errors.Newf("unsupported analysis encoding %q", name).
			Component("analysis").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// MultipartEncoder uploads the clip bytes as form field "video" alongside
// "user_id". The clip is streamed from the remote URL when one exists and
// the local file otherwise.
type MultipartEncoder struct {
	// Client fetches remote references. Nil restricts the encoder to local files.
	Client *httpclient.Client
}

// Name implements Encoder.
func (e *MultipartEncoder) Name() string { return EncodingMultipart }

// Encode implements Encoder. The returned body is an io.PipeReader; closing
// it stops the background copy.
func (e *MultipartEncoder) Encode(ctx context.Context, req Request) (Payload, error) {
	src, ref, err := e.open(ctx, req.Asset)
	if err != nil {
		return Payload{}, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer src.Close()
		pw.CloseWithError(writeForm(mw, req.UserID, src))
	}()

	return Payload{
		Path:        multipartPath,
		ContentType: mw.FormDataContentType(),
		Body:        pr,
		Reference:   ref,
	}, nil
}

func writeForm(mw *multipart.Writer, userID string, src io.Reader) error {
	if err := mw.WriteField("user_id", userID); err != nil {
		return err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, uploadFieldName, uploadFilename))
	h.Set("Content-Type", uploadContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

// open picks the clip source. A remote URL that cannot be fetched degrades
// to the local file.
func (e *MultipartEncoder) open(ctx context.Context, asset storage.MediaAsset) (io.ReadCloser, string, error) {
	if asset.HasRemote() && e.Client != nil && isHTTPURL(asset.RemoteURL) {
		body, err := e.fetch(ctx, asset.RemoteURL)
		if err == nil {
			return body, asset.RemoteURL, nil
		}
	}

	if asset.LocalURI == "" {
		return nil, "", errors.Newf("asset %q has no local reference", asset.Filename).
			Component("analysis").
			Category(errors.CategoryValidation).
			Build()
	}
	f, err := os.Open(storage.LocalPath(asset.LocalURI))
	if err != nil {
		return nil, "", errors.New(err).
			Component("analysis").
			Category(errors.CategoryFileIO).
			Context("operation", "open_clip").
			Build()
	}
	return f, asset.LocalURI, nil
}

func (e *MultipartEncoder) fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := e.Client.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// JSONEncoder implements the legacy contract that posts a reference instead
// of the clip bytes. The service must be able to fetch the reference, so it
// is only useful with remote storage enabled.
type JSONEncoder struct{}

// Name implements Encoder.
func (JSONEncoder) Name() string { return EncodingJSON }

type jsonRequest struct {
	VideoURL string `json:"video_url"`
	UserID   string `json:"user_id"`
}

// Encode implements Encoder.
func (JSONEncoder) Encode(_ context.Context, req Request) (Payload, error) {
	ref := req.Asset.Reference()
	if ref == "" {
		return Payload{}, errors.Newf("asset %q has no reference", req.Asset.Filename).
			Component("analysis").
			Category(errors.CategoryValidation).
			Build()
	}

	body, err := json.Marshal(jsonRequest{VideoURL: ref, UserID: req.UserID})
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		Path:        jsonPath,
		ContentType: "application/json",
		Body:        bytes.NewReader(body),
		Reference:   ref,
	}, nil
}
