package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/rotisserie/eris"
)

// Uploader moves a cached file to durable storage and returns its public URL
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// URLIssuer hands out single-use upload URLs
type URLIssuer interface {
	IssueUploadURL(ctx context.Context, objectName string) (string, error)
}

// PresignedUploader obtains an upload URL and PUTs the file to it.
// On failure it returns a file:// reference to the local copy and the error.
type PresignedUploader struct {
	issuer     URLIssuer
	httpClient *http.Client
}

// NewPresignedUploader creates an uploader
func NewPresignedUploader(issuer URLIssuer, timeout time.Duration) *PresignedUploader {
	return &PresignedUploader{
		issuer:     issuer,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Upload performs the two-step exchange
func (u *PresignedUploader) Upload(ctx context.Context, localPath string) (string, error) {
	fallback := "file://" + localPath

	uploadURL, err := u.issuer.IssueUploadURL(ctx, filepath.Base(localPath))
	if err != nil {
		return fallback, eris.Wrap(err, "failed to obtain upload url")
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fallback, eris.Wrapf(err, "failed to read %s", localPath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fallback, eris.Wrap(err, "failed to create upload request")
	}
	req.ContentLength = int64(len(data))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fallback, eris.Wrap(err, "failed to upload")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fallback, eris.Errorf("upload returned status %d", resp.StatusCode)
	}

	public, _, _ := strings.Cut(uploadURL, "?")
	return public, nil
}

// ServerIssuer asks the companion web server for an upload URL
type ServerIssuer struct {
	serverURL  string
	token      string
	httpClient *http.Client
}

// NewServerIssuer creates an issuer for POST {serverURL}/api/storage/upload
func NewServerIssuer(serverURL, token string) *ServerIssuer {
	return &ServerIssuer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// IssueUploadURL requests a fresh upload URL
func (s *ServerIssuer) IssueUploadURL(ctx context.Context, objectName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/api/storage/upload", nil)
	if err != nil {
		return "", eris.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "failed to make request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("upload url request returned status %d", resp.StatusCode)
	}

	var body struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", eris.Wrap(err, "failed to decode upload url response")
	}
	if body.UploadURL == "" {
		return "", eris.New("upload url response carried no uploadUrl")
	}
	return body.UploadURL, nil
}

// S3Presigner signs PutObject URLs for a bucket directly
type S3Presigner struct {
	client s3iface.S3API
	bucket string
	prefix string
	expiry time.Duration
}

// NewS3Presigner creates an S3 issuer
func NewS3Presigner(client s3iface.S3API, bucket, prefix string) *S3Presigner {
	return &S3Presigner{client: client, bucket: bucket, prefix: prefix, expiry: 15 * time.Minute}
}

// IssueUploadURL presigns a PUT for prefix/objectName
func (s *S3Presigner) IssueUploadURL(ctx context.Context, objectName string) (string, error) {
	req, _ := s.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path.Join(s.prefix, objectName)),
	})
	req.SetContext(ctx)

	url, err := req.Presign(s.expiry)
	if err != nil {
		return "", eris.Wrap(err, "failed to presign upload")
	}
	return url, nil
}
