package compute

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiVersion = "2016-11-15"

var (
	ErrInstanceNotFound = errors.New("compute instance not found")
	ErrUnauthorized     = errors.New("compute request unauthorized")
)

// Credentials is the explicit credential set handed to the client.
// It is scoped to the client instance, never read from the process
// environment.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.AccessKeyID) == "" {
		return errors.New("access key id is required")
	}
	if strings.TrimSpace(c.SecretAccessKey) == "" {
		return errors.New("secret access key is required")
	}
	return nil
}

type Config struct {
	Endpoint    string
	Region      string
	Credentials Credentials
	HTTPTimeout time.Duration
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	return c.Credentials.Validate()
}

type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if strings.TrimSpace(e.Code) == "" {
		return fmt.Sprintf("compute api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("compute api error (status=%d): %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client speaks the provider's EC2-style query API: form-encoded actions
// signed with SigV4, XML responses.
type Client struct {
	endpoint string
	region   string
	creds    Credentials
	http     *http.Client
	now      func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://ec2.%s.amazonaws.com", strings.TrimSpace(cfg.Region))
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		region:   strings.TrimSpace(cfg.Region),
		creds:    cfg.Credentials,
		http:     &http.Client{Timeout: timeout},
		now:      time.Now,
	}, nil
}

func (c *Client) Region() string {
	return c.region
}

func (c *Client) do(ctx context.Context, action string, params url.Values, out any) error {
	if c == nil || c.http == nil {
		return errors.New("compute client not initialized")
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("Action", action)
	params.Set("Version", apiVersion)
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/", strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.Header.Set("Accept", "text/xml")
	if err := c.sign(req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeError(resp.StatusCode, raw)
		switch {
		case strings.HasPrefix(apiErr.Code, "InvalidInstanceID"):
			return ErrInstanceNotFound
		case resp.StatusCode == http.StatusUnauthorized, apiErr.Code == "AuthFailure":
			return ErrUnauthorized
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := xml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	return nil
}

func decodeError(status int, raw []byte) *APIError {
	var body struct {
		Errors struct {
			Error []struct {
				Code    string `xml:"Code"`
				Message string `xml:"Message"`
			} `xml:"Error"`
		} `xml:"Errors"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := xml.Unmarshal(raw, &body); err == nil && len(body.Errors.Error) > 0 {
		apiErr.Code = strings.TrimSpace(body.Errors.Error[0].Code)
		apiErr.Message = strings.TrimSpace(body.Errors.Error[0].Message)
	}
	return apiErr
}

// sign applies the provider's V4 request signature over the form body.
func (c *Client) sign(req *http.Request, body string) error {
	now := c.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	req.Header.Set("X-Amz-Date", amzDate)
	if strings.TrimSpace(c.creds.SessionToken) != "" {
		req.Header.Set("X-Amz-Security-Token", c.creds.SessionToken)
	}

	payloadHash := hexSHA256([]byte(body))

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	signedHeaders := []string{"content-type", "host", "x-amz-date"}
	canonicalHeaders := strings.Join([]string{
		"content-type:" + req.Header.Get("Content-Type"),
		"host:" + host,
		"x-amz-date:" + amzDate,
	}, "\n") + "\n"

	canonicalRequest := strings.Join([]string{
		http.MethodPost,
		req.URL.EscapedPath(),
		"",
		canonicalHeaders,
		strings.Join(signedHeaders, ";"),
		payloadHash,
	}, "\n")

	scope := strings.Join([]string{dateStamp, c.region, "ec2", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hexSHA256([]byte(canonicalRequest)),
	}, "\n")

	key := hmacSHA256([]byte("AWS4"+c.creds.SecretAccessKey), dateStamp)
	key = hmacSHA256(key, c.region)
	key = hmacSHA256(key, "ec2")
	key = hmacSHA256(key, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		c.creds.AccessKeyID, scope, strings.Join(signedHeaders, ";"), signature,
	))
	return nil
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
