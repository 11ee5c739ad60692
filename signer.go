package paygate

// Signer creates payment authorizations on behalf of a paying account.
type Signer interface {
	// Scheme returns the payment scheme identifier (e.g., "exact").
	Scheme() string

	// CanSign reports whether the signer supports the requirement's scheme,
	// network and asset.
	CanSign(requirement PaymentRequirement) bool

	// Sign authorizes a payment satisfying requirement. It fails if the
	// payment exceeds the signer's configured limit.
	Sign(requirement PaymentRequirement) (PaymentAuthorization, error)
}
