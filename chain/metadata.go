package chain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Cardano metadata truncates strings at 64 bytes, so publishers split long
// values into arrays of chunks. MetaString accepts either shape and collapses
// chunked values back into one string.
type MetaString string

// UnmarshalJSON accepts a JSON string or an array of string chunks.
func (m *MetaString) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*m = MetaString(single)
		return nil
	}
	var chunks []string
	if err := json.Unmarshal(data, &chunks); err == nil {
		*m = MetaString(strings.Join(chunks, ""))
		return nil
	}
	return fmt.Errorf("chain: metadata value is neither string nor chunk array: %s", string(data))
}

func (m MetaString) String() string { return string(m) }

// AgentAuthor is the author block of the agent metadata.
type AgentAuthor struct {
	Name         MetaString  `json:"name"`
	ContactEmail *MetaString `json:"contact_email,omitempty"`
	ContactOther *MetaString `json:"contact_other,omitempty"`
	Organization *MetaString `json:"organization,omitempty"`
}

// AgentLegal is the optional legal block of the agent metadata.
type AgentLegal struct {
	PrivacyPolicy *MetaString `json:"privacy_policy,omitempty"`
	Terms         *MetaString `json:"terms,omitempty"`
	Other         *MetaString `json:"other,omitempty"`
}

// AgentPrice is one fixed-pricing entry.
type AgentPrice struct {
	Unit   MetaString `json:"unit"`
	Amount MetaString `json:"amount"`
}

// AgentPricing is the pricing block; only Fixed pricing carries amounts.
type AgentPricing struct {
	PricingType  MetaString   `json:"pricingType"`
	FixedPricing []AgentPrice `json:"fixedPricing,omitempty"`
}

// AgentCapability describes what the agent claims to do.
type AgentCapability struct {
	Name    MetaString `json:"name"`
	Version MetaString `json:"version"`
}

// AgentMetadata is the decoded on-chain datum of an agent NFT.
type AgentMetadata struct {
	Name            MetaString       `json:"name"`
	Description     *MetaString      `json:"description,omitempty"`
	APIBaseURL      MetaString       `json:"api_base_url"`
	ExampleOutput   *MetaString      `json:"example_output,omitempty"`
	Capability      *AgentCapability `json:"capability,omitempty"`
	Author          AgentAuthor      `json:"author"`
	Legal           *AgentLegal      `json:"legal,omitempty"`
	Tags            []MetaString     `json:"tags"`
	Pricing         AgentPricing     `json:"agentPricing"`
	Image           MetaString       `json:"image"`
	MetadataVersion int              `json:"metadata_version"`
}

// DecodeAgentMetadata parses and validates raw metadata JSON from the
// indexer.
func DecodeAgentMetadata(raw []byte) (*AgentMetadata, error) {
	var meta AgentMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("chain: decode agent metadata: %w", err)
	}
	if strings.TrimSpace(meta.Name.String()) == "" {
		return nil, fmt.Errorf("chain: agent metadata missing name")
	}
	if strings.TrimSpace(meta.APIBaseURL.String()) == "" {
		return nil, fmt.Errorf("chain: agent metadata missing api_base_url")
	}
	if meta.MetadataVersion != 1 {
		return nil, fmt.Errorf("chain: unsupported metadata_version %d", meta.MetadataVersion)
	}
	switch meta.Pricing.PricingType.String() {
	case "Fixed":
		if len(meta.Pricing.FixedPricing) == 0 {
			return nil, fmt.Errorf("chain: fixed pricing without amounts")
		}
	case "Free":
	default:
		return nil, fmt.Errorf("chain: unknown pricingType %q", meta.Pricing.PricingType)
	}
	return &meta, nil
}
