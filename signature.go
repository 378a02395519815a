package ucs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	stowrysign "github.com/sagarc03/stowry-go"
)

const (
	SignatureAlgorithm = "AWS4-HMAC-SHA256"
	MaxExpiresSeconds  = 604800 // 7 days
	DateTimeFormat     = "20060102T150405Z"
	DateFormat         = "20060102"
)

// SecretStore resolves the secret key belonging to an access key.
type SecretStore interface {
	Lookup(ctx context.Context, accessKey string) (string, error)
}

// RequestVerifier authenticates an incoming HTTP request.
type RequestVerifier interface {
	Verify(r *http.Request) error
}

// SignatureVerifier accepts either native presigned URLs or AWS Signature V4
// presigned URLs, depending on which signature parameter the request carries.
type SignatureVerifier struct {
	aws    *AWSSignatureVerifier
	native *NativeSignatureVerifier
}

func NewSignatureVerifier(region, service string, store SecretStore) *SignatureVerifier {
	return &SignatureVerifier{
		aws:    NewAWSSignatureVerifier(region, service, store),
		native: NewNativeSignatureVerifier(store),
	}
}

func (v *SignatureVerifier) Verify(r *http.Request) error {
	query := r.URL.Query()
	switch {
	case query.Get(stowrysign.StowrySignatureParam) != "":
		return v.native.Verify(r)
	case query.Get("X-Amz-Signature") != "":
		return v.aws.Verify(r)
	default:
		return fmt.Errorf("no supported signature: %w", ErrUnauthorized)
	}
}

// NativeSignatureVerifier verifies URLs produced by the stowry-go presigner.
type NativeSignatureVerifier struct {
	store SecretStore
	now   func() time.Time
}

func NewNativeSignatureVerifier(store SecretStore) *NativeSignatureVerifier {
	return &NativeSignatureVerifier{store: store, now: time.Now}
}

func (v *NativeSignatureVerifier) Verify(r *http.Request) error {
	query := r.URL.Query()
	accessKey := query.Get(stowrysign.StowryCredentialParam)
	date := query.Get(stowrysign.StowryDateParam)
	expiresRaw := query.Get(stowrysign.StowryExpiresParam)
	signature := query.Get(stowrysign.StowrySignatureParam)

	if accessKey == "" || date == "" || expiresRaw == "" || signature == "" {
		return fmt.Errorf("missing required signature parameters: %w", ErrUnauthorized)
	}

	timestamp, err := strconv.ParseInt(date, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid date: %w", ErrUnauthorized)
	}

	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil || expires <= 0 || expires > MaxExpiresSeconds {
		return fmt.Errorf("invalid expires: must be between 1 and %d: %w", MaxExpiresSeconds, ErrUnauthorized)
	}

	if v.now().Unix() > timestamp+expires {
		return fmt.Errorf("signature expired: %w", ErrUnauthorized)
	}

	secretKey, err := v.store.Lookup(r.Context(), accessKey)
	if err != nil {
		return fmt.Errorf("lookup access key: %w", err)
	}

	expected := stowrysign.Sign(secretKey, r.Method, r.URL.Path, timestamp, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch: %w", ErrUnauthorized)
	}

	return nil
}

// AWSSignatureVerifier verifies AWS Signature V4 presigned URLs.
type AWSSignatureVerifier struct {
	Region  string
	Service string
	store   SecretStore
	now     func() time.Time
}

func NewAWSSignatureVerifier(region, service string, store SecretStore) *AWSSignatureVerifier {
	return &AWSSignatureVerifier{
		Region:  region,
		Service: service,
		store:   store,
		now:     time.Now,
	}
}

// Verify verifies an AWS Signature V4 presigned URL.
//
// Required query parameters:
//   - X-Amz-Algorithm: Must be "AWS4-HMAC-SHA256"
//   - X-Amz-Credential: Format "access_key/date/region/service/aws4_request"
//   - X-Amz-Date: ISO8601 timestamp (YYYYMMDDTHHMMSSZ)
//   - X-Amz-Expires: Validity duration in seconds (1-604800)
//   - X-Amz-SignedHeaders: Semicolon-separated list of signed headers
//   - X-Amz-Signature: Hex-encoded HMAC-SHA256 signature
//
// The payload is never signed (UNSIGNED-PAYLOAD).
func (v *AWSSignatureVerifier) Verify(r *http.Request) error {
	query := r.URL.Query()

	params, err := extractAWSParams(query)
	if err != nil {
		return err
	}

	if err := v.validate(params); err != nil {
		return err
	}

	secretKey, err := v.store.Lookup(r.Context(), params.accessKey)
	if err != nil {
		return fmt.Errorf("lookup access key: %w", err)
	}

	expected := v.sign(secretKey, r, query, params)
	if !hmac.Equal([]byte(expected), []byte(params.signature)) {
		return fmt.Errorf("signature mismatch: %w", ErrUnauthorized)
	}

	return nil
}

type awsParams struct {
	algorithm     string
	accessKey     string
	dateStamp     string
	region        string
	service       string
	requestTime   time.Time
	expires       int
	signedHeaders string
	signature     string
}

func extractAWSParams(query url.Values) (awsParams, error) {
	algorithm := query.Get("X-Amz-Algorithm")
	credential := query.Get("X-Amz-Credential")
	date := query.Get("X-Amz-Date")
	expiresRaw := query.Get("X-Amz-Expires")
	signedHeaders := query.Get("X-Amz-SignedHeaders")
	signature := query.Get("X-Amz-Signature")

	if algorithm == "" || credential == "" || date == "" ||
		expiresRaw == "" || signedHeaders == "" || signature == "" {
		return awsParams{}, fmt.Errorf("missing required signature parameters: %w", ErrUnauthorized)
	}

	requestTime, err := time.Parse(DateTimeFormat, date)
	if err != nil {
		return awsParams{}, fmt.Errorf("invalid X-Amz-Date format: %w", ErrUnauthorized)
	}

	expires, err := strconv.Atoi(expiresRaw)
	if err != nil || expires <= 0 || expires > MaxExpiresSeconds {
		return awsParams{}, fmt.Errorf("invalid X-Amz-Expires: must be between 1 and %d: %w", MaxExpiresSeconds, ErrUnauthorized)
	}

	parts := strings.Split(credential, "/")
	if len(parts) != 5 {
		return awsParams{}, fmt.Errorf("invalid X-Amz-Credential format: %w", ErrUnauthorized)
	}
	if parts[4] != "aws4_request" {
		return awsParams{}, fmt.Errorf("invalid credential terminator: expected aws4_request: %w", ErrUnauthorized)
	}

	return awsParams{
		algorithm:     algorithm,
		accessKey:     parts[0],
		dateStamp:     parts[1],
		region:        parts[2],
		service:       parts[3],
		requestTime:   requestTime,
		expires:       expires,
		signedHeaders: signedHeaders,
		signature:     signature,
	}, nil
}

func (v *AWSSignatureVerifier) validate(p awsParams) error {
	if p.algorithm != SignatureAlgorithm {
		return fmt.Errorf("invalid algorithm: expected %s, got %s: %w", SignatureAlgorithm, p.algorithm, ErrUnauthorized)
	}

	if v.now().After(p.requestTime.Add(time.Duration(p.expires) * time.Second)) {
		return fmt.Errorf("signature expired: %w", ErrUnauthorized)
	}

	if p.dateStamp != p.requestTime.Format(DateFormat) {
		return fmt.Errorf("credential date mismatch: %w", ErrUnauthorized)
	}

	if p.region != v.Region {
		return fmt.Errorf("region mismatch: expected %s, got %s: %w", v.Region, p.region, ErrUnauthorized)
	}

	if p.service != v.Service {
		return fmt.Errorf("service mismatch: expected %s, got %s: %w", v.Service, p.service, ErrUnauthorized)
	}

	return nil
}

func (v *AWSSignatureVerifier) sign(secretKey string, r *http.Request, query url.Values, p awsParams) string {
	canonicalRequest := strings.Join([]string{
		r.Method,
		r.URL.EscapedPath(),
		canonicalQuery(query),
		canonicalHeaders(r, p.signedHeaders),
		p.signedHeaders,
		"UNSIGNED-PAYLOAD",
	}, "\n")

	scope := fmt.Sprintf("%s/%s/%s/aws4_request", p.dateStamp, p.region, p.service)
	stringToSign := strings.Join([]string{
		SignatureAlgorithm,
		p.requestTime.Format(DateTimeFormat),
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	key := hmacSHA256([]byte("AWS4"+secretKey), []byte(p.dateStamp))
	key = hmacSHA256(key, []byte(p.region))
	key = hmacSHA256(key, []byte(p.service))
	key = hmacSHA256(key, []byte("aws4_request"))

	return hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))
}

// canonicalHeaders renders the signed headers sorted as "name:value\n".
// The host header is taken from the request since net/http strips it from
// the header map.
func canonicalHeaders(r *http.Request, signedHeaders string) string {
	names := strings.Split(signedHeaders, ";")
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		value := r.Header.Get(name)
		if name == "host" {
			value = r.Host
		}
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.TrimSpace(value))
		b.WriteString("\n")
	}
	return b.String()
}

func canonicalQuery(query url.Values) string {
	params := url.Values{}
	for k, v := range query {
		if k != "X-Amz-Signature" {
			params[k] = v
		}
	}
	return params.Encode()
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
