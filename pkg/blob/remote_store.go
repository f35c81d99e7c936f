package blob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jacktea/xgimage/pkg/naming"
	"github.com/jacktea/xgimage/pkg/xerrors"
)

// RemoteStore persists blobs in S3-compatible object storage using
// path-style addressing.
type RemoteStore struct {
	client  *http.Client
	baseURL string
	prefix  string
	signer  Signer
	naming  naming.Scheme
}

// RemoteConfig is the transport configuration shared by providers.
type RemoteConfig struct {
	Endpoint string
	Bucket   string
	// Prefix is an optional key namespace inside the bucket.
	Prefix string
	Client *http.Client
}

// Signer signs HTTP requests for remote providers.
type Signer interface {
	Sign(req *http.Request, payloadHash string) error
}

// NewRemoteStore builds a RemoteStore with a signer.
func NewRemoteStore(cfg RemoteConfig, signer Signer) (*RemoteStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("remote store requires endpoint and bucket")
	}
	bucket := strings.Trim(cfg.Bucket, "/")
	if bucket == "" {
		return nil, fmt.Errorf("remote store bucket invalid")
	}
	if signer == nil {
		return nil, fmt.Errorf("remote store requires a signer")
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteStore{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.Endpoint, "/") + "/" + url.PathEscape(bucket),
		prefix:  cfg.Prefix,
		signer:  signer,
	}, nil
}

// Put uploads data via HTTP PUT, replacing any existing object.
func (r *RemoteStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := checkKey("RemoteStore.Put", key); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	md5Sum := md5.Sum(data)
	digest := sha256.Sum256(data)
	payloadHash := hex.EncodeToString(digest[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return unavailable("RemoteStore.Put", key, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	resp, err := r.do(req, payloadHash)
	if err != nil {
		return unavailable("RemoteStore.Put", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return remoteError("RemoteStore.Put", key, resp)
	}
	return nil
}

// Get retrieves an object via HTTP GET.
func (r *RemoteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey("RemoteStore.Get", key); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.objectURL(key), nil)
	if err != nil {
		return nil, unavailable("RemoteStore.Get", key, err)
	}
	resp, err := r.do(req, emptyPayloadHash())
	if err != nil {
		return nil, unavailable("RemoteStore.Get", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, xerrors.E(xerrors.KindNotFound, "RemoteStore.Get", key)
	}
	if resp.StatusCode >= 300 {
		return nil, remoteError("RemoteStore.Get", key, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable("RemoteStore.Get", key, err)
	}
	return data, nil
}

// Delete removes an object. Missing objects are not an error.
func (r *RemoteStore) Delete(ctx context.Context, key string) error {
	if err := checkKey("RemoteStore.Delete", key); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.objectURL(key), nil)
	if err != nil {
		return unavailable("RemoteStore.Delete", key, err)
	}
	resp, err := r.do(req, emptyPayloadHash())
	if err != nil {
		return unavailable("RemoteStore.Delete", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return remoteError("RemoteStore.Delete", key, resp)
	}
	return nil
}

// Exists issues a HEAD request for key.
func (r *RemoteStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkKey("RemoteStore.Exists", key); err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.objectURL(key), nil)
	if err != nil {
		return false, unavailable("RemoteStore.Exists", key, err)
	}
	resp, err := r.do(req, emptyPayloadHash())
	if err != nil {
		return false, unavailable("RemoteStore.Exists", key, err)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, xerrors.Wrap(xerrors.KindStoreUnavailable, "RemoteStore.Exists", key, fmt.Errorf("remote head %s", resp.Status))
}

func (r *RemoteStore) do(req *http.Request, payloadHash string) (*http.Response, error) {
	req.Header.Set("x-amz-content-sha256", payloadHash)
	if err := r.signer.Sign(req, payloadHash); err != nil {
		return nil, err
	}
	return r.client.Do(req)
}

func (r *RemoteStore) objectURL(key string) string {
	object := r.naming.RelativePath(r.prefix, key)
	segments := strings.Split(object, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return r.baseURL + "/" + strings.Join(segments, "/")
}

func remoteError(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return xerrors.Wrap(xerrors.KindStoreUnavailable, op, key, fmt.Errorf("remote %s: %s", resp.Status, strings.TrimSpace(string(body))))
}

func emptyPayloadHash() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

// S3Config describes the parameters for AWS S3-compatible stores.
type S3Config struct {
	RemoteConfig
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// NewS3Store builds a RemoteStore with AWS SigV4 signing.
func NewS3Store(cfg S3Config) (*RemoteStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Region == "" {
		return nil, fmt.Errorf("s3 store requires access key, secret key, and region")
	}
	signer := &s3Signer{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		region:    cfg.Region,
		token:     cfg.SessionToken,
	}
	return NewRemoteStore(cfg.RemoteConfig, signer)
}

type s3Signer struct {
	accessKey string
	secretKey string
	region    string
	token     string
	now       func() time.Time
}

func (s *s3Signer) Sign(req *http.Request, payloadHash string) error {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	t := now().UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	if s.token != "" {
		req.Header.Set("x-amz-security-token", s.token)
	}
	if payloadHash == "" {
		payloadHash = emptyPayloadHash()
	}
	headers, signed := signedHeaders(req)
	canonical := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		headers,
		signed,
		payloadHash,
	}, "\n")
	hashed := sha256.Sum256([]byte(canonical))
	scope := dateStamp + "/" + s.region + "/s3/aws4_request"
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hashed[:]),
	}, "\n")
	key := hmacSHA256([]byte("AWS4"+s.secretKey), dateStamp)
	key = hmacSHA256(key, s.region)
	key = hmacSHA256(key, "s3")
	key = hmacSHA256(key, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))
	req.Header.Set("Authorization", fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.accessKey, scope, signed, signature))
	return nil
}

func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func canonicalQuery(u *url.URL) string {
	values := u.Query()
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// signedHeaders covers host, content type and every x-amz-* header.
func signedHeaders(req *http.Request) (string, string) {
	values := map[string]string{"host": req.URL.Host}
	for k, v := range req.Header {
		lk := strings.ToLower(k)
		if lk == "content-type" || lk == "content-md5" || strings.HasPrefix(lk, "x-amz-") {
			values[lk] = strings.TrimSpace(strings.Join(v, ","))
		}
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(values[k])
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(keys, ";")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
