// Package respond turns guard and gate outcomes into HTML, JSON or REST
// envelope responses.
package respond

import (
	"bytes"
	"encoding/json"
	"html/template"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"blobgate/pkg/access"
)

type Representation int

const (
	HTML Representation = iota
	JSON
	REST
	numRepresentations
)

func (r Representation) String() string {
	switch r {
	case JSON:
		return "json"
	case REST:
		return "rest"
	default:
		return "html"
	}
}

const (
	MediaTypeREST    = "application/vnd.blobgate+json"
	mediaTypeProblem = "application/problem+json"
	mediaTypeJSON    = "application/json"
	mediaTypeHTML    = "text/html; charset=utf-8"
)

// Negotiate picks the representation with the highest q-value in Accept.
// Anything unrecognised falls back to HTML.
func Negotiate(accept string) Representation {
	type candidate struct {
		rep Representation
		q   float64
	}
	var cands []candidate
	for _, part := range strings.Split(accept, ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if raw, ok := params["q"]; ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				q = v
			}
		}
		if q <= 0 {
			continue
		}
		switch {
		case mt == MediaTypeREST || mt == mediaTypeProblem:
			cands = append(cands, candidate{REST, q})
		case mt == mediaTypeJSON || strings.HasSuffix(mt, "+json"):
			cands = append(cands, candidate{JSON, q})
		case mt == "text/html" || mt == "application/xhtml+xml" || mt == "*/*" || mt == "text/*":
			cands = append(cands, candidate{HTML, q})
		}
	}
	if len(cands) == 0 {
		return HTML
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].q > cands[j].q })
	return cands[0].rep
}

// NegotiateRequest reads the Accept header of r.
func NegotiateRequest(r *http.Request) Representation {
	return Negotiate(r.Header.Get("Accept"))
}

type Kind int

const (
	KindForbidden Kind = iota
	KindNotFound
	KindChallengeRequired
	KindStorageUnavailable
	KindInternal
	numKinds
)

// Outcome is a non-success result to render. Only challenge outcomes carry
// challenge fields.
type Outcome struct {
	Kind        Kind
	ReasonCode  string
	RenderToken string
}

// Denied converts a guard decision. Under strict mode forbidden reads render
// exactly like missing ones.
func Denied(d access.Decision, strict bool) Outcome {
	if strict || d.Reason() == access.ReasonNotFound {
		return Outcome{Kind: KindNotFound}
	}
	return Outcome{Kind: KindForbidden}
}

func ChallengeRequired(reasonCode, renderToken string) Outcome {
	return Outcome{Kind: KindChallengeRequired, ReasonCode: reasonCode, RenderToken: renderToken}
}

func StorageUnavailable() Outcome { return Outcome{Kind: KindStorageUnavailable} }

func Internal() Outcome { return Outcome{Kind: KindInternal} }

type Response struct {
	Status      int
	ContentType string
	Header      http.Header
	Body        []byte
}

// Write sends the response. Error responses are never cached.
func (r Response) Write(w http.ResponseWriter) {
	h := w.Header()
	for k, vs := range r.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Content-Type", r.ContentType)
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.Status)
	_, _ = w.Write(r.Body)
}

type Formatter struct {
	// ChallengePageURL is where HTML clients complete the challenge.
	ChallengePageURL string
	SiteKey          string
}

type renderer func(f Formatter, o Outcome) Response

var (
	statusByKind = [numKinds]int{
		KindForbidden:          http.StatusForbidden,
		KindNotFound:           http.StatusNotFound,
		KindChallengeRequired:  http.StatusConflict,
		KindStorageUnavailable: http.StatusBadGateway,
		KindInternal:           http.StatusInternalServerError,
	}
	codeByKind = [numKinds]string{
		KindForbidden:          "forbidden",
		KindNotFound:           "not_found",
		KindChallengeRequired:  "challenge_required",
		KindStorageUnavailable: "storage_unavailable",
		KindInternal:           "internal_error",
	}
	messageByKind = [numKinds]string{
		KindForbidden:          "You are not allowed to access this resource.",
		KindNotFound:           "The requested resource could not be found.",
		KindChallengeRequired:  "Please complete the verification challenge and retry.",
		KindStorageUnavailable: "The resource is temporarily unavailable.",
		KindInternal:           "Something went wrong.",
	}
	table = [numKinds][numRepresentations]renderer{
		KindForbidden:          {HTML: htmlError, JSON: jsonError, REST: restError},
		KindNotFound:           {HTML: htmlError, JSON: jsonError, REST: restError},
		KindChallengeRequired:  {HTML: htmlChallenge, JSON: jsonChallenge, REST: restChallenge},
		KindStorageUnavailable: {HTML: htmlError, JSON: jsonError, REST: restError},
		KindInternal:           {HTML: htmlError, JSON: jsonError, REST: restError},
	}
)

// Format renders o for rep. Out-of-range inputs render as an internal error.
func (f Formatter) Format(o Outcome, rep Representation) Response {
	if o.Kind < 0 || o.Kind >= numKinds {
		o = Internal()
	}
	if rep < 0 || rep >= numRepresentations {
		rep = HTML
	}
	return table[o.Kind][rep](f, o)
}

// Respond negotiates the representation from r and writes o.
func (f Formatter) Respond(w http.ResponseWriter, r *http.Request, o Outcome) {
	f.Format(o, NegotiateRequest(r)).Write(w)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type challengeDetails struct {
	ReasonCode   string `json:"reason_code,omitempty"`
	RenderToken  string `json:"render_token,omitempty"`
	SiteKey      string `json:"site_key,omitempty"`
	ChallengeURL string `json:"challenge_url,omitempty"`
}

func (f Formatter) details(o Outcome) challengeDetails {
	return challengeDetails{
		ReasonCode:   o.ReasonCode,
		RenderToken:  o.RenderToken,
		SiteKey:      f.SiteKey,
		ChallengeURL: f.ChallengePageURL,
	}
}

func jsonResponse(status int, contentType string, v any) Response {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(`{"error":{"code":"internal_error"}}`)
		status = http.StatusInternalServerError
	}
	return Response{Status: status, ContentType: contentType, Body: append(b, '\n')}
}

func jsonError(_ Formatter, o Outcome) Response {
	return jsonResponse(statusByKind[o.Kind], mediaTypeJSON, map[string]any{
		"error": errorBody{Code: codeByKind[o.Kind], Message: messageByKind[o.Kind]},
	})
}

func jsonChallenge(f Formatter, o Outcome) Response {
	return jsonResponse(statusByKind[o.Kind], mediaTypeJSON, map[string]any{
		"error":                    errorBody{Code: codeByKind[o.Kind], Message: messageByKind[o.Kind]},
		"needs_challenge_response": true,
		"challenge":                f.details(o),
	})
}

type restEnvelope struct {
	Data  any           `json:"data"`
	Error restErrorBody `json:"error"`
	Meta  restMeta      `json:"meta"`
}

type restErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details *challengeDetails `json:"details,omitempty"`
}

type restMeta struct {
	Status int `json:"status"`
}

func restError(_ Formatter, o Outcome) Response {
	status := statusByKind[o.Kind]
	return jsonResponse(status, MediaTypeREST, restEnvelope{
		Error: restErrorBody{Code: codeByKind[o.Kind], Message: messageByKind[o.Kind]},
		Meta:  restMeta{Status: status},
	})
}

func restChallenge(f Formatter, o Outcome) Response {
	status := statusByKind[o.Kind]
	d := f.details(o)
	return jsonResponse(status, MediaTypeREST, restEnvelope{
		Error: restErrorBody{Code: codeByKind[o.Kind], Message: messageByKind[o.Kind], Details: &d},
		Meta:  restMeta{Status: status},
	})
}

var pages = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body><main><h1>{{.Title}}</h1><p class="flash">{{.Message}}</p></main></body></html>
`))

func init() {
	template.Must(pages.New("challenge").Parse(`<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>Verification required</title></head>
<body><main>
<p class="flash flash-alert">{{.Message}}</p>
<div id="challenge" data-site-key="{{.SiteKey}}" data-render-token="{{.RenderToken}}" data-reason="{{.ReasonCode}}"></div>
{{if .ChallengeURL}}<p><a href="{{.ChallengeURL}}">Continue to verification</a></p>{{end}}
</main></body></html>
`))
}

func htmlRender(status int, name string, data any) Response {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		return Response{Status: http.StatusInternalServerError, ContentType: "text/plain; charset=utf-8", Body: []byte("internal error\n")}
	}
	return Response{Status: status, ContentType: mediaTypeHTML, Body: buf.Bytes()}
}

func htmlError(_ Formatter, o Outcome) Response {
	return htmlRender(statusByKind[o.Kind], "error", map[string]string{
		"Title":   http.StatusText(statusByKind[o.Kind]),
		"Message": messageByKind[o.Kind],
	})
}

func htmlChallenge(f Formatter, o Outcome) Response {
	d := f.details(o)
	resp := htmlRender(statusByKind[o.Kind], "challenge", map[string]string{
		"Message":      messageByKind[o.Kind],
		"SiteKey":      d.SiteKey,
		"RenderToken":  d.RenderToken,
		"ReasonCode":   d.ReasonCode,
		"ChallengeURL": d.ChallengeURL,
	})
	if d.ChallengeURL != "" {
		resp.Header = http.Header{"Link": []string{"<" + d.ChallengeURL + `>; rel="challenge"`}}
	}
	return resp
}
