package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/storefront-ops/remedy/model"
)

// Explanation is the aggregated account of how an issue was handled: the
// full reasoning chain plus hypothesis, action, and outcome. Document is
// what lands in the audit trail; Digest is the content address of its
// canonical encoding, so two byte-identical explanations share a digest.
type Explanation struct {
	Document model.JSONMap
	Digest   string
}

// BuildExplanation assembles the explanation document from the final
// working state. The document uses only JSON-stable values so its
// canonical encoding, and therefore its digest, is deterministic.
func BuildExplanation(st *State) *Explanation {
	steps := make([]model.JSONMap, 0, len(st.Steps))
	for _, s := range st.Steps {
		entry := model.JSONMap{
			"stage":      string(s.Stage),
			"summary":    s.Summary,
			"confidence": s.Confidence,
		}
		if len(s.EvidenceRefs) > 0 {
			entry["evidence_refs"] = s.EvidenceRefs
		}
		if s.Uncertainty != "" {
			entry["uncertainty"] = s.Uncertainty
		}
		steps = append(steps, entry)
	}

	doc := model.JSONMap{
		"issue_id":    st.IssueID.String(),
		"merchant_id": st.MerchantID,
		"source":      string(st.Source),
		"resolution":  string(st.Resolution),
		"steps":       steps,
	}
	if st.RootCause != nil {
		cause := model.JSONMap{
			"category":   string(st.RootCause.Category),
			"confidence": st.RootCause.Confidence,
		}
		if st.RootCause.Reasoning != "" {
			cause["reasoning"] = st.RootCause.Reasoning
		}
		if len(st.RootCause.Evidence) > 0 {
			cause["evidence"] = st.RootCause.Evidence
		}
		doc["root_cause"] = cause
	}
	if st.ActionID != nil {
		doc["action"] = model.JSONMap{
			"id":   st.ActionID.String(),
			"type": string(st.ActionType),
			"risk": string(st.RiskLevel),
		}
	}

	// json.Marshal sorts map keys, so this encoding is canonical.
	raw, err := json.Marshal(doc)
	if err != nil {
		raw = []byte("{}")
	}
	sum := sha256.Sum256(raw)
	return &Explanation{Document: doc, Digest: hex.EncodeToString(sum[:])}
}
