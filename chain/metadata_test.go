package chain

import "testing"

func TestDecodeAgentMetadataAtomicStrings(t *testing.T) {
	raw := []byte(`{
		"name": "summarizer",
		"api_base_url": "https://agent.example.com/api",
		"author": {"name": "Acme"},
		"tags": ["nlp"],
		"agentPricing": {"pricingType": "Fixed", "fixedPricing": [{"unit": "", "amount": "5000000"}]},
		"image": "ipfs://img",
		"metadata_version": 1
	}`)
	meta, err := DecodeAgentMetadata(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.Name.String() != "summarizer" {
		t.Fatalf("name: %s", meta.Name)
	}
	if meta.Pricing.FixedPricing[0].Amount.String() != "5000000" {
		t.Fatal("fixed pricing amount lost")
	}
}

func TestDecodeAgentMetadataChunkedStrings(t *testing.T) {
	// 64-byte metadata chunks must be concatenated before use.
	raw := []byte(`{
		"name": ["summarizer ", "with a very long name that spans ", "multiple chunks"],
		"api_base_url": ["https://agent.example.com", "/api/v1/very/long/path"],
		"description": ["part one ", "part two"],
		"author": {"name": ["Ac", "me"]},
		"tags": [["n", "lp"], "batch"],
		"agentPricing": {"pricingType": "Fixed", "fixedPricing": [{"unit": "", "amount": "5000000"}]},
		"image": "ipfs://img",
		"metadata_version": 1
	}`)
	meta, err := DecodeAgentMetadata(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.Name.String() != "summarizer with a very long name that spans multiple chunks" {
		t.Fatalf("chunked name not collapsed: %q", meta.Name)
	}
	if meta.APIBaseURL.String() != "https://agent.example.com/api/v1/very/long/path" {
		t.Fatalf("chunked url not collapsed: %q", meta.APIBaseURL)
	}
	if meta.Author.Name.String() != "Acme" {
		t.Fatalf("chunked author not collapsed: %q", meta.Author.Name)
	}
	if meta.Tags[0].String() != "nlp" || meta.Tags[1].String() != "batch" {
		t.Fatalf("tags not decoded: %v", meta.Tags)
	}
	if meta.Description == nil || meta.Description.String() != "part one part two" {
		t.Fatal("description not collapsed")
	}
}

func TestDecodeAgentMetadataRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing name", `{"api_base_url":"x","author":{"name":"a"},"agentPricing":{"pricingType":"Free"},"image":"i","metadata_version":1}`},
		{"missing url", `{"name":"x","author":{"name":"a"},"agentPricing":{"pricingType":"Free"},"image":"i","metadata_version":1}`},
		{"bad version", `{"name":"x","api_base_url":"u","author":{"name":"a"},"agentPricing":{"pricingType":"Free"},"image":"i","metadata_version":2}`},
		{"unknown pricing", `{"name":"x","api_base_url":"u","author":{"name":"a"},"agentPricing":{"pricingType":"Hourly"},"image":"i","metadata_version":1}`},
		{"fixed without amounts", `{"name":"x","api_base_url":"u","author":{"name":"a"},"agentPricing":{"pricingType":"Fixed"},"image":"i","metadata_version":1}`},
		{"numeric name", `{"name":7,"api_base_url":"u","author":{"name":"a"},"agentPricing":{"pricingType":"Free"},"image":"i","metadata_version":1}`},
	}
	for _, tc := range cases {
		if _, err := DecodeAgentMetadata([]byte(tc.raw)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestMetaStringRejectsNestedGarbage(t *testing.T) {
	var m MetaString
	if err := m.UnmarshalJSON([]byte(`{"a":1}`)); err == nil {
		t.Fatal("expected error for object value")
	}
	if err := m.UnmarshalJSON([]byte(`["a", 1]`)); err == nil {
		t.Fatal("expected error for mixed chunk array")
	}
}
