// Package fingerprint derives stable cache keys from agent requests.
//
// A fingerprint is the hex SHA-256 of the agent name and the canonical JSON
// of the request after two reductions: fields that never affect the answer
// (timestamps, request ids, seeds) are dropped, then the agent's own rule
// keeps only its semantically significant fields.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	perrors "github.com/jmgilman/go/errors"

	"github.com/pario-ai/agentgate/pkg/models"
)

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

// ErrSerialization is returned when a request cannot be canonically encoded.
var ErrSerialization = perrors.New(perrors.CodeInvalidInput, "request is not serializable")

// volatileFields never contribute to a fingerprint.
var volatileFields = []string{
	"timestamp",
	"request_id",
	"random_seed",
	"nonce",
	"force_refresh",
}

// significantFields lists, per agent, the only fields that identify a request.
// Agents absent from the table keep every non-volatile field.
var significantFields = map[string][]string{
	"image-gen":       {"type", "prompt", "style"},
	"market-analysis": {"type", "analysis_type", "market", "symbols", "timeframe", "region"},
	"strategy":        {"type", "business_type", "industry", "goals", "question"},
	"concierge":       {"type", "action", "query", "chain", "address", "token"},
}

// Reduce returns the part of req that identifies it for agent.
// req itself is not modified.
func Reduce(agent string, req models.Request) models.Request {
	work := req.Clone()
	for _, f := range volatileFields {
		delete(work, f)
	}

	keep, ok := significantFields[agent]
	if !ok {
		return work
	}
	out := make(models.Request, len(keep))
	for _, f := range keep {
		if v, ok := work[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Fingerprint returns the cache key for req under agent's rules.
func Fingerprint(agent string, req models.Request) (string, error) {
	// encoding/json writes map keys in sorted order at every depth, which is
	// the canonical form hashed here.
	data, err := json.Marshal(Reduce(agent, req))
	if err != nil {
		return "", perrors.Wrap(errors.Join(ErrSerialization, err), perrors.CodeInvalidInput, "fingerprint "+agent)
	}

	h := sha256.New()
	h.Write([]byte(agent))
	h.Write([]byte("-"))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
