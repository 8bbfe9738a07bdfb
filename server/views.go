package server

import (
	"escrowd/models"
)

// JSON views for API responses. Monetary amounts stay strings; timestamps
// are unix milliseconds.

type unitValueView struct {
	Unit   string `json:"unit"`
	Amount string `json:"amount"`
}

type actionView struct {
	RequestedAction string  `json:"requestedAction"`
	ErrorType       *string `json:"errorType,omitempty"`
	ErrorNote       *string `json:"errorNote,omitempty"`
	ResultHash      *string `json:"resultHash,omitempty"`
	RetryCount      int     `json:"retryCount"`
	CreatedAt       int64   `json:"createdAt"`
}

type transactionView struct {
	TxHash               string  `json:"txHash"`
	Status               string  `json:"status"`
	FeesLovelace         string  `json:"feesLovelace"`
	BlockHeight          uint64  `json:"blockHeight"`
	BlockTime            int64   `json:"blockTime"`
	Confirmations        uint64  `json:"confirmations"`
	PreviousOnChainState *string `json:"previousOnChainState,omitempty"`
	NewOnChainState      *string `json:"newOnChainState,omitempty"`
}

type paymentView struct {
	ID                        string  `json:"id"`
	BlockchainIdentifier      string  `json:"blockchainIdentifier"`
	AgentIdentifier           string  `json:"agentIdentifier"`
	InputHash                 string  `json:"inputHash"`
	ResultHash                string  `json:"resultHash,omitempty"`
	PayByTime                 int64   `json:"payByTime"`
	SubmitResultTime          int64   `json:"submitResultTime"`
	UnlockTime                int64   `json:"unlockTime"`
	ExternalDisputeUnlockTime int64   `json:"externalDisputeUnlockTime"`
	OnChainState              *string `json:"onChainState"`
	TotalSellerCardanoFees    string  `json:"totalSellerCardanoFees"`
	TotalBuyerCardanoFees     string  `json:"totalBuyerCardanoFees"`
	Metadata                  *string `json:"metadata,omitempty"`

	NextAction         *actionView      `json:"nextAction,omitempty"`
	CurrentTransaction *transactionView `json:"currentTransaction,omitempty"`

	RequestedFunds     []unitValueView `json:"requestedFunds"`
	WithdrawnForSeller []unitValueView `json:"withdrawnForSeller,omitempty"`
	WithdrawnForBuyer  []unitValueView `json:"withdrawnForBuyer,omitempty"`

	CreatedAt                                     int64 `json:"createdAt"`
	UpdatedAt                                     int64 `json:"updatedAt"`
	NextActionLastChangedAt                       int64 `json:"nextActionLastChangedAt"`
	OnChainStateOrResultLastChangedAt             int64 `json:"onChainStateOrResultLastChangedAt"`
	NextActionOrOnChainStateOrResultLastChangedAt int64 `json:"nextActionOrOnChainStateOrResultLastChangedAt"`

	Transactions  []transactionView `json:"transactions,omitempty"`
	ActionHistory []actionView      `json:"actionHistory,omitempty"`
}

type purchaseView struct {
	paymentView
	SellerVkey               string          `json:"sellerVkey"`
	SellerAddress            string          `json:"sellerAddress"`
	CollateralReturnLovelace string          `json:"collateralReturnLovelace"`
	PaidFunds                []unitValueView `json:"paidFunds"`
}

func unitViews(values []models.UnitValue, role models.UnitValueRole) []unitValueView {
	out := make([]unitValueView, 0, len(values))
	for _, v := range values {
		if v.Role != role {
			continue
		}
		out = append(out, unitValueView{Unit: v.Unit, Amount: v.Amount})
	}
	return out
}

func actionToView(a *models.PaymentActionData) *actionView {
	if a == nil {
		return nil
	}
	var errType *string
	if a.ErrorType != nil {
		v := string(*a.ErrorType)
		errType = &v
	}
	return &actionView{
		RequestedAction: string(a.RequestedAction),
		ErrorType:       errType,
		ErrorNote:       a.ErrorNote,
		ResultHash:      a.ResultHash,
		RetryCount:      a.RetryCount,
		CreatedAt:       a.CreatedAt.UnixMilli(),
	}
}

func purchaseActionToView(a *models.PurchaseActionData) *actionView {
	if a == nil {
		return nil
	}
	var errType *string
	if a.ErrorType != nil {
		v := string(*a.ErrorType)
		errType = &v
	}
	return &actionView{
		RequestedAction: string(a.RequestedAction),
		ErrorType:       errType,
		ErrorNote:       a.ErrorNote,
		RetryCount:      a.RetryCount,
		CreatedAt:       a.CreatedAt.UnixMilli(),
	}
}

func transactionToView(t *models.Transaction) *transactionView {
	if t == nil {
		return nil
	}
	var prev, next *string
	if t.PreviousOnChainState != nil {
		v := string(*t.PreviousOnChainState)
		prev = &v
	}
	if t.NewOnChainState != nil {
		v := string(*t.NewOnChainState)
		next = &v
	}
	return &transactionView{
		TxHash:               t.TxHash,
		Status:               string(t.Status),
		FeesLovelace:         t.FeesLovelace,
		BlockHeight:          t.BlockHeight,
		BlockTime:            t.BlockTime,
		Confirmations:        t.Confirmations,
		PreviousOnChainState: prev,
		NewOnChainState:      next,
	}
}

func paymentToView(p *models.Payment) paymentView {
	var state *string
	if p.OnChainState != nil {
		v := string(*p.OnChainState)
		state = &v
	}
	view := paymentView{
		ID:                        p.ID.String(),
		BlockchainIdentifier:      p.BlockchainIdentifier,
		AgentIdentifier:           p.AgentIdentifier,
		InputHash:                 p.InputHash,
		ResultHash:                p.ResultHash,
		PayByTime:                 p.PayByTime,
		SubmitResultTime:          p.SubmitResultTime,
		UnlockTime:                p.UnlockTime,
		ExternalDisputeUnlockTime: p.ExternalDisputeUnlockTime,
		OnChainState:              state,
		TotalSellerCardanoFees:    p.TotalSellerCardanoFees,
		TotalBuyerCardanoFees:     p.TotalBuyerCardanoFees,
		Metadata:                  p.Metadata,
		NextAction:                actionToView(p.NextAction),
		CurrentTransaction:        transactionToView(p.CurrentTransaction),
		RequestedFunds:            unitViews(p.Funds, models.RoleRequestedFunds),
		WithdrawnForSeller:        unitViews(p.Funds, models.RoleWithdrawnForSeller),
		WithdrawnForBuyer:         unitViews(p.Funds, models.RoleWithdrawnForBuyer),

		CreatedAt:                         p.CreatedAt.UnixMilli(),
		UpdatedAt:                         p.UpdatedAt.UnixMilli(),
		NextActionLastChangedAt:           p.NextActionLastChangedAt.UnixMilli(),
		OnChainStateOrResultLastChangedAt: p.OnChainStateOrResultLastChangedAt.UnixMilli(),
		NextActionOrOnChainStateOrResultLastChangedAt: p.NextActionOrOnChainStateOrResultLastChangedAt.UnixMilli(),
	}
	for i := range p.Transactions {
		view.Transactions = append(view.Transactions, *transactionToView(&p.Transactions[i]))
	}
	for i := range p.ActionHistory {
		view.ActionHistory = append(view.ActionHistory, *actionToView(&p.ActionHistory[i]))
	}
	return view
}

func purchaseToView(p *models.Purchase) purchaseView {
	var state *string
	if p.OnChainState != nil {
		v := string(*p.OnChainState)
		state = &v
	}
	base := paymentView{
		ID:                        p.ID.String(),
		BlockchainIdentifier:      p.BlockchainIdentifier,
		AgentIdentifier:           p.AgentIdentifier,
		InputHash:                 p.InputHash,
		ResultHash:                p.ResultHash,
		PayByTime:                 p.PayByTime,
		SubmitResultTime:          p.SubmitResultTime,
		UnlockTime:                p.UnlockTime,
		ExternalDisputeUnlockTime: p.ExternalDisputeUnlockTime,
		OnChainState:              state,
		TotalSellerCardanoFees:    p.TotalSellerCardanoFees,
		TotalBuyerCardanoFees:     p.TotalBuyerCardanoFees,
		Metadata:                  p.Metadata,
		NextAction:                purchaseActionToView(p.NextAction),
		CurrentTransaction:        transactionToView(p.CurrentTransaction),
		WithdrawnForSeller:        unitViews(p.Funds, models.RoleWithdrawnForSeller),
		WithdrawnForBuyer:         unitViews(p.Funds, models.RoleWithdrawnForBuyer),

		CreatedAt:                         p.CreatedAt.UnixMilli(),
		UpdatedAt:                         p.UpdatedAt.UnixMilli(),
		NextActionLastChangedAt:           p.NextActionLastChangedAt.UnixMilli(),
		OnChainStateOrResultLastChangedAt: p.OnChainStateOrResultLastChangedAt.UnixMilli(),
		NextActionOrOnChainStateOrResultLastChangedAt: p.NextActionOrOnChainStateOrResultLastChangedAt.UnixMilli(),
	}
	for i := range p.Transactions {
		base.Transactions = append(base.Transactions, *transactionToView(&p.Transactions[i]))
	}
	for i := range p.ActionHistory {
		base.ActionHistory = append(base.ActionHistory, *purchaseActionToView(&p.ActionHistory[i]))
	}
	return purchaseView{
		paymentView:              base,
		SellerVkey:               p.SellerVkey,
		SellerAddress:            p.SellerAddress,
		CollateralReturnLovelace: p.CollateralReturnLovelace,
		PaidFunds:                unitViews(p.Funds, models.RolePaidFunds),
	}
}

type pricingView struct {
	PricingType string          `json:"pricingType"`
	Amounts     []unitValueView `json:"amounts,omitempty"`
}

type exampleOutputView struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
}

type registryView struct {
	ID                string  `json:"id"`
	State             string  `json:"state"`
	AgentIdentifier   *string `json:"agentIdentifier"`
	Name              string  `json:"name"`
	Description       *string `json:"description,omitempty"`
	APIBaseURL        string  `json:"apiBaseUrl"`
	CapabilityName    *string `json:"capabilityName,omitempty"`
	CapabilityVersion *string `json:"capabilityVersion,omitempty"`
	AuthorName        string  `json:"authorName"`
	Tags              string  `json:"tags"`
	Image             string  `json:"image"`
	MetadataVersion   int     `json:"metadataVersion"`
	ErrorNote         *string `json:"errorNote,omitempty"`

	Pricing        pricingView         `json:"pricing"`
	ExampleOutputs []exampleOutputView `json:"exampleOutputs,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
	NextActionOrOnChainStateOrResultLastChangedAt int64 `json:"nextActionOrOnChainStateOrResultLastChangedAt"`
}

func registryToView(r *models.RegistryRequest) registryView {
	pricing := pricingView{PricingType: string(r.Pricing.PricingType)}
	for _, amount := range r.Pricing.FixedAmounts {
		pricing.Amounts = append(pricing.Amounts, unitValueView{Unit: amount.Unit, Amount: amount.Amount})
	}
	view := registryView{
		ID:                r.ID.String(),
		State:             string(r.State),
		AgentIdentifier:   r.AgentIdentifier,
		Name:              r.Name,
		Description:       r.Description,
		APIBaseURL:        r.APIBaseURL,
		CapabilityName:    r.CapabilityName,
		CapabilityVersion: r.CapabilityVersion,
		AuthorName:        r.AuthorName,
		Tags:              r.Tags,
		Image:             r.Image,
		MetadataVersion:   r.MetadataVersion,
		ErrorNote:         r.ErrorNote,
		Pricing:           pricing,
		CreatedAt:         r.CreatedAt.UnixMilli(),
		UpdatedAt:         r.UpdatedAt.UnixMilli(),
		NextActionOrOnChainStateOrResultLastChangedAt: r.NextActionOrOnChainStateOrResultLastChangedAt.UnixMilli(),
	}
	for _, output := range r.ExampleOutputs {
		view.ExampleOutputs = append(view.ExampleOutputs, exampleOutputView{
			Name: output.Name, URL: output.URL, MimeType: output.MimeType,
		})
	}
	return view
}

type apiKeyView struct {
	ID           string          `json:"id"`
	TokenPreview string          `json:"tokenPreview"`
	Permission   string          `json:"permission"`
	Status       string          `json:"status"`
	UsageLimited bool            `json:"usageLimited"`
	Network      *string         `json:"network,omitempty"`
	Credits      []unitValueView `json:"credits,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
}

func apiKeyToView(k *models.APIKey) apiKeyView {
	var network *string
	if k.Network != nil {
		v := string(*k.Network)
		network = &v
	}
	view := apiKeyView{
		ID:           k.ID.String(),
		TokenPreview: k.TokenPreview,
		Permission:   string(k.Permission),
		Status:       string(k.Status),
		UsageLimited: k.UsageLimited,
		Network:      network,
		CreatedAt:    k.CreatedAt.UnixMilli(),
	}
	for _, credit := range k.Credits {
		view.Credits = append(view.Credits, unitValueView{Unit: credit.Unit, Amount: credit.Amount})
	}
	return view
}

type webhookEndpointView struct {
	ID        string `json:"id"`
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"createdAt"`
}

func webhookEndpointToView(e *models.WebhookEndpoint) webhookEndpointView {
	return webhookEndpointView{
		ID:        e.ID.String(),
		EventType: e.EventType,
		URL:       e.URL,
		Active:    e.Active,
		CreatedAt: e.CreatedAt.UnixMilli(),
	}
}
