package challenge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"blobgate/pkg/httpx"

	"github.com/pkg/errors"
)

// ResponseVerifier checks a solved challenge. An error means the verifier
// could not decide, which callers treat as a failed challenge.
type ResponseVerifier interface {
	Verify(ctx context.Context, renderToken, response, remoteIP string) (bool, error)
}

// HMACVerifier accepts responses equal to hex(HMAC-SHA256(secret, token)),
// as minted by a challenge page that shares the secret.
type HMACVerifier struct {
	Secret []byte
}

func (v HMACVerifier) Verify(_ context.Context, renderToken, response, _ string) (bool, error) {
	if len(v.Secret) == 0 {
		return false, errors.New("challenge verifier secret is empty")
	}
	want := v.Sign(renderToken)
	return hmac.Equal([]byte(want), []byte(response)), nil
}

// Sign returns the response a solver would submit for renderToken.
func (v HMACVerifier) Sign(renderToken string) string {
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write([]byte(renderToken))
	return hex.EncodeToString(mac.Sum(nil))
}

// SiteVerifier posts responses to a siteverify-style endpoint that answers
// {"success": bool}.
type SiteVerifier struct {
	URL    string
	Secret string
	Client *http.Client
}

type siteVerifyReply struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v SiteVerifier) Verify(ctx context.Context, _, response, remoteIP string) (bool, error) {
	form := url.Values{}
	form.Set("secret", v.Secret)
	form.Set("response", response)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	status, body, err := httpx.Do(ctx, v.Client, httpx.Call{
		Method:      http.MethodPost,
		URL:         v.URL,
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		Retries:     1,
		RetryDelay:  100 * time.Millisecond,
	})
	if err != nil {
		return false, errors.Wrap(err, "siteverify")
	}
	if status != http.StatusOK {
		return false, errors.Errorf("siteverify status %d", status)
	}
	var reply siteVerifyReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return false, errors.Wrap(err, "decode siteverify reply")
	}
	return reply.Success, nil
}
