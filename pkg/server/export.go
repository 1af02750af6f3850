// Copyright 2024 The exportd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/hcexport/exportd/pkg/cache"
	"github.com/hcexport/exportd/pkg/config"
	"github.com/hcexport/exportd/pkg/pool"
	"github.com/hcexport/exportd/pkg/render"
)

// badRequestError is a payload problem the caller can fix.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// exportPayload is the request body of the export routes, accepted both
// as JSON and as form fields. Numeric and boolean fields tolerate string
// encodings because form submissions only carry strings.
type exportPayload struct {
	Infile  json.RawMessage `json:"infile"`
	Options json.RawMessage `json:"options"`
	Data    json.RawMessage `json:"data"`
	SVG     string          `json:"svg"`
	// Instr opts into the injection path: the config string reaches the
	// renderer hook verbatim and sizing is CSS-only.
	Instr string `json:"instr"`

	Type   string    `json:"type"`
	Constr string    `json:"constr"`
	Height flexInt   `json:"height"`
	Width  flexInt   `json:"width"`
	Scale  flexFloat `json:"scale"`

	Callback      string          `json:"callback"`
	CustomCode    string          `json:"customCode"`
	Resources     json.RawMessage `json:"resources"`
	GlobalOptions json.RawMessage `json:"globalOptions"`
	ThemeOptions  json.RawMessage `json:"themeOptions"`

	DisplayErrors flexBool `json:"displayErrors"`
	B64           flexBool `json:"b64"`
	NoDownload    flexBool `json:"noDownload"`
	Filename      string   `json:"filename"`
}

// flexInt decodes from a JSON number or a numeric string.
type flexInt int

func (v *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.Errorf("invalid integer value %s", b)
	}
	*v = flexInt(f)
	return nil
}

// flexFloat decodes from a JSON number or a numeric string.
type flexFloat float64

func (v *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.Errorf("invalid numeric value %s", b)
	}
	*v = flexFloat(f)
	return nil
}

// flexBool decodes from a JSON bool or the strings "true"/"1".
type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	*v = s == "true" || s == "1"
	return nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	requestsInFlight.Inc()
	defer requestsInFlight.Dec()

	payload, err := s.parsePayload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.buildJob(payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if name := mux.Vars(r)["filename"]; name != "" && payload.Filename == "" {
		payload.Filename = name
	}

	res, err := s.exporter.Execute(r.Context(), job)
	s.tracker.Record(err == nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The client is gone; there is nobody to answer.
			return
		}
		_ = level.Error(s.logger).Log("msg", "export failed", "request", job.RequestID, "err", err)
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, payload, res)
}

// parsePayload reads the body in whichever of the three accepted
// encodings the caller used.
func (s *Server) parsePayload(r *http.Request) (*exportPayload, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, s.opts.MaxBodySize)

	ct := r.Header.Get("Content-Type")
	var p exportPayload
	switch {
	case strings.HasPrefix(ct, "application/json"), ct == "":
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			return nil, badRequestf("the request body holds malformed JSON: %s", sanitizeClientError(err))
		}
	case strings.HasPrefix(ct, "multipart/form-data"):
		if err := r.ParseMultipartForm(s.opts.MaxBodySize); err != nil {
			return nil, badRequestf("the request form could not be parsed: %s", sanitizeClientError(err))
		}
		if err := payloadFromForm(&p, r.PostFormValue); err != nil {
			return nil, err
		}
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"):
		if err := r.ParseForm(); err != nil {
			return nil, badRequestf("the request form could not be parsed: %s", sanitizeClientError(err))
		}
		if err := payloadFromForm(&p, r.PostFormValue); err != nil {
			return nil, err
		}
	default:
		return nil, badRequestf("unsupported content type %q", ct)
	}
	return &p, nil
}

func payloadFromForm(p *exportPayload, get func(string) string) error {
	p.Infile = rawFromForm(get("infile"))
	p.Options = rawFromForm(get("options"))
	p.Data = rawFromForm(get("data"))
	p.SVG = get("svg")
	p.Instr = get("instr")
	p.Type = get("type")
	p.Constr = get("constr")
	p.Callback = get("callback")
	p.CustomCode = get("customCode")
	p.Resources = rawFromForm(get("resources"))
	p.GlobalOptions = rawFromForm(get("globalOptions"))
	p.ThemeOptions = rawFromForm(get("themeOptions"))
	p.Filename = get("filename")

	for field, dst := range map[string]*flexInt{"height": &p.Height, "width": &p.Width} {
		if v := get(field); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return badRequestf("the %s field holds a non-numeric value %q", field, v)
			}
			*dst = flexInt(f)
		}
	}
	if v := get("scale"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return badRequestf("the scale field holds a non-numeric value %q", v)
		}
		p.Scale = flexFloat(f)
	}
	p.DisplayErrors = formBool(get("displayErrors"))
	p.B64 = formBool(get("b64"))
	p.NoDownload = formBool(get("noDownload"))
	return nil
}

func formBool(v string) flexBool {
	return v == "true" || v == "1"
}

func rawFromForm(v string) json.RawMessage {
	if v == "" {
		return nil
	}
	return json.RawMessage(v)
}

// buildJob validates the payload and shapes it into a render job.
func (s *Server) buildJob(p *exportPayload) (*render.Job, error) {
	job := &render.Job{
		RequestID:     uuid.NewString(),
		Type:          p.Type,
		Height:        int(p.Height),
		Width:         int(p.Width),
		Scale:         float64(p.Scale),
		Constr:        p.Constr,
		DisplayErrors: bool(p.DisplayErrors),
	}

	if job.Type == "" {
		job.Type = s.opts.DefaultType
	}
	if !config.ValidType(job.Type) {
		return nil, badRequestf("the requested type %q is not one of png, jpeg, pdf or svg", job.Type)
	}
	if job.Constr == "" {
		job.Constr = s.opts.DefaultConstr
	}
	if job.Scale != 0 && (job.Scale < config.MinScale || job.Scale > config.MaxScale) {
		return nil, badRequestf("the scale %g is outside the accepted range [%g, %g]", job.Scale, config.MinScale, config.MaxScale)
	}
	if job.Height < 0 || job.Width < 0 {
		return nil, badRequestf("height and width must be positive")
	}

	input := firstRaw(p.Infile, p.Options, p.Data)
	svg := p.SVG
	if svg == "" {
		// A string-typed chart input that opens with vector markup is an
		// SVG submission regardless of which field carried it.
		if text, ok := rawAsString(input); ok {
			if render.IsVectorMarkup(text) {
				svg = text
				input = nil
			} else {
				input = json.RawMessage(text)
			}
		}
	}

	switch {
	case p.Instr != "":
		if !s.opts.AllowCodeExecution {
			return nil, badRequestf("instr needs code execution, which this deployment disables")
		}
		job.InjectConfig = p.Instr
	case svg != "":
		if !render.IsVectorMarkup(svg) {
			return nil, badRequestf("the svg field does not hold vector markup")
		}
		job.SVG = svg
	case len(input) > 0:
		if !json.Valid(input) {
			return nil, badRequestf("the chart configuration is not valid JSON")
		}
		job.Config = input
	default:
		return nil, badRequestf("the request is missing chart data: provide one of infile, options, data, instr or svg")
	}

	if p.Callback != "" || p.CustomCode != "" {
		if !s.opts.AllowCodeExecution {
			return nil, badRequestf("callback and customCode need code execution, which this deployment disables")
		}
		job.Callback = p.Callback
		job.CustomCode = p.CustomCode
	}
	if s.opts.AllowCodeExecution {
		if job.Callback == "" {
			job.Callback = s.opts.DefaultCallback
		}
		if job.CustomCode == "" {
			job.CustomCode = s.opts.DefaultCustomCode
		}
	}
	if len(p.GlobalOptions) > 0 {
		raw, err := rawOptions(p.GlobalOptions)
		if err != nil {
			return nil, badRequestf("the globalOptions field is not valid JSON")
		}
		job.GlobalOptions = raw
	}
	if len(p.ThemeOptions) > 0 {
		raw, err := rawOptions(p.ThemeOptions)
		if err != nil {
			return nil, badRequestf("the themeOptions field is not valid JSON")
		}
		job.ThemeOptions = raw
	}
	if len(p.Resources) > 0 {
		res, err := parseResources(p.Resources)
		if err != nil {
			return nil, err
		}
		job.Resources = res
	}
	if job.Resources == nil {
		job.Resources = s.opts.DefaultResources
	}
	return job, nil
}

// firstRaw returns the first non-empty chart input, in precedence order.
func firstRaw(raws ...json.RawMessage) json.RawMessage {
	for _, r := range raws {
		if len(r) > 0 {
			return r
		}
	}
	return nil
}

// rawAsString unwraps a JSON string literal.
func rawAsString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// rawOptions accepts an options document given either directly or as a
// JSON-encoded string.
func rawOptions(raw json.RawMessage) (json.RawMessage, error) {
	if s, ok := rawAsString(raw); ok {
		raw = json.RawMessage(s)
	}
	if !json.Valid(raw) {
		return nil, errors.New("invalid JSON")
	}
	return raw, nil
}

// parseResources accepts the resources field as an object or as a
// JSON-encoded string of one.
func parseResources(raw json.RawMessage) (*render.Resources, error) {
	if s, ok := rawAsString(raw); ok {
		raw = json.RawMessage(s)
	}
	var res render.Resources
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, badRequestf("the resources field could not be parsed: %s", sanitizeClientError(err))
	}
	return &res, nil
}

var contentTypes = map[string]string{
	config.TypePNG:  "image/png",
	config.TypeJPEG: "image/jpeg",
	config.TypePDF:  "application/pdf",
	config.TypeSVG:  "image/svg+xml",
}

var fileExtensions = map[string]string{
	config.TypePNG:  "png",
	config.TypeJPEG: "jpeg",
	config.TypePDF:  "pdf",
	config.TypeSVG:  "svg",
}

func (s *Server) writeResult(w http.ResponseWriter, p *exportPayload, res *render.Result) {
	if bool(p.B64) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(base64.StdEncoding.EncodeToString(res.Data)))
		return
	}

	w.Header().Set("Content-Type", contentTypes[res.Type])
	if !bool(p.NoDownload) {
		name := sanitizeFilename(p.Filename, res.Type)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	_, _ = w.Write(res.Data)
}

// sanitizeFilename strips path components and forces the extension that
// matches the produced type.
func sanitizeFilename(name, typ string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`"';`, r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSuffix(name, path.Ext(name))
	if name == "" || name == "." || name == "/" {
		name = "chart"
	}
	return name + "." + fileExtensions[typ]
}

// writeError maps a failure to the response the caller sees. Payload
// faults and renderer errors are the caller's to fix; everything else is
// the server's.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		badReq    *badRequestError
		renderErr *render.Error
		poolErr   *pool.Error
		cacheErr  *cache.Error
	)
	switch {
	case errors.As(err, &badReq):
		http.Error(w, badReq.msg, http.StatusBadRequest)
	case errors.Is(err, render.ErrRasterizationTimeout):
		http.Error(w, "the export did not finish within the rasterization timeout", http.StatusRequestTimeout)
	case errors.As(err, &renderErr):
		http.Error(w, "the renderer rejected the chart: "+renderErr.Message, http.StatusBadRequest)
	case errors.As(err, &poolErr):
		switch poolErr.Kind {
		case pool.KindAcquireTimeout:
			http.Error(w, "the server is too busy to accept the export right now, try again later", http.StatusTooManyRequests)
		case pool.KindDrained:
			http.Error(w, "the server is shutting down and no longer accepts exports", http.StatusServiceUnavailable)
		default:
			http.Error(w, "the export failed on a worker fault", http.StatusInternalServerError)
		}
	case errors.As(err, &cacheErr):
		http.Error(w, "the library assets are unavailable", http.StatusInternalServerError)
	default:
		http.Error(w, "the export failed", http.StatusInternalServerError)
	}
}

// sanitizeClientError keeps error text echoed back to callers to one
// line.
func sanitizeClientError(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

// handleVersionChange switches the active library version. Guarded by
// the hc-auth header against the configured admin token; deployments
// without a token keep the route disabled.
func (s *Server) handleVersionChange(w http.ResponseWriter, r *http.Request) {
	if s.opts.AdminToken == "" ||
		subtle.ConstantTimeCompare([]byte(r.Header.Get("hc-auth")), []byte(s.opts.AdminToken)) != 1 {
		http.Error(w, "administrative access denied", http.StatusUnauthorized)
		return
	}
	newVersion := mux.Vars(r)["newVersion"]
	if err := s.assets.SwitchVersion(r.Context(), newVersion); err != nil {
		_ = level.Error(s.logger).Log("msg", "version switch failed", "version", newVersion, "err", err)
		http.Error(w, "switching the library version failed: "+sanitizeClientError(err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "OK",
		"version": s.assets.Version(),
	})
}
