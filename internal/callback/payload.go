package callback

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"
)

// OriginalKey names the unprocessed source audio in a callback's audios map.
const OriginalKey = "original"

var ErrUnsupportedContentType = errors.New("unsupported content type")

type Artifact struct {
	URL string `json:"url"`
	RID string `json:"rid"`
}

// Payload is the body the remote service POSTs once a job finished.
// Param carries the correlation token given at submission.
type Payload struct {
	Param  string              `json:"param"`
	Audios map[string]Artifact `json:"audios"`
	Raw    map[string]any      `json:"-"`
}

// Derived returns every artifact except the original upload.
func (p Payload) Derived() map[string]Artifact {
	out := make(map[string]Artifact, len(p.Audios))
	for key, artifact := range p.Audios {
		if key == OriginalKey {
			continue
		}
		out[key] = artifact
	}
	return out
}

func ParsePayload(contentType string, body []byte) (Payload, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}

	switch mediaType {
	case "application/json":
		return parseJSON(body)
	case "application/x-www-form-urlencoded":
		return parseForm(body)
	default:
		return Payload{}, fmt.Errorf("%w: %q", ErrUnsupportedContentType, mediaType)
	}
}

// parseJSON reads the body untyped and picks the known fields out of it, so
// a field of an unexpected type never costs the whole delivery.
func parseJSON(body []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Payload{}, fmt.Errorf("decode json payload: %w", err)
	}

	payload := Payload{Param: scalarString(raw["param"]), Raw: raw}
	if audios, ok := raw["audios"].(map[string]any); ok {
		payload.Audios = make(map[string]Artifact, len(audios))
		for key, value := range audios {
			entry, _ := value.(map[string]any)
			payload.Audios[key] = Artifact{
				URL: scalarString(entry["url"]),
				RID: scalarString(entry["rid"]),
			}
		}
	}
	return payload, nil
}

// scalarString renders strings, numbers and booleans as text. Anything else,
// including null, is empty.
func scalarString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// parseForm understands the bracket notation used for nested form fields,
// e.g. audios[noise_suppressed][url]=...
func parseForm(body []byte) (Payload, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Payload{}, fmt.Errorf("decode form payload: %w", err)
	}

	payload := Payload{Raw: map[string]any{}}
	audios := map[string]any{}

	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		value := vals[0]

		if audioKey, field, ok := splitAudioField(key); ok {
			if payload.Audios == nil {
				payload.Audios = map[string]Artifact{}
			}
			artifact := payload.Audios[audioKey]
			entry, _ := audios[audioKey].(map[string]any)
			if entry == nil {
				entry = map[string]any{}
				audios[audioKey] = entry
			}
			entry[field] = value

			switch field {
			case "url":
				artifact.URL = value
			case "rid":
				artifact.RID = value
			}
			payload.Audios[audioKey] = artifact
			continue
		}

		if key == "param" {
			payload.Param = value
		}
		payload.Raw[key] = value
	}

	if len(audios) > 0 {
		payload.Raw["audios"] = audios
	}
	return payload, nil
}

func splitAudioField(key string) (string, string, bool) {
	rest, ok := strings.CutPrefix(key, "audios[")
	if !ok {
		return "", "", false
	}
	audioKey, rest, ok := strings.Cut(rest, "][")
	if !ok || audioKey == "" {
		return "", "", false
	}
	field, ok := strings.CutSuffix(rest, "]")
	if !ok || field == "" || strings.ContainsAny(field, "[]") {
		return "", "", false
	}
	return audioKey, field, true
}
