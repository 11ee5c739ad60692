package paygate

import (
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"sync"
)

// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
var evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// IsEVMAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsEVMAddress(s string) bool {
	return evmAddressRegex.MatchString(s)
}

// Validate checks that every field of the requirement is set and well formed.
func (r PaymentRequirement) Validate() error {
	if !IsKnownScheme(r.Scheme) {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequirements, r.Scheme)
	}
	if !IsKnownNetwork(r.Network) {
		return fmt.Errorf("%w: unsupported network %q", ErrInvalidRequirements, r.Network)
	}
	amount, err := r.Amount()
	if err != nil {
		return fmt.Errorf("%w: maxAmountRequired %q is not a non-negative integer", ErrInvalidRequirements, r.MaxAmountRequired)
	}
	if amount.Cmp(maxUint256) > 0 {
		return fmt.Errorf("%w: maxAmountRequired exceeds uint256", ErrInvalidRequirements)
	}
	if r.Resource == "" {
		return fmt.Errorf("%w: resource cannot be empty", ErrInvalidRequirements)
	}
	if !IsEVMAddress(r.PayTo) {
		return fmt.Errorf("%w: invalid payTo address %q", ErrInvalidRequirements, r.PayTo)
	}
	if !IsEVMAddress(r.Asset) {
		return fmt.Errorf("%w: invalid asset address %q", ErrInvalidRequirements, r.Asset)
	}
	if r.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: maxTimeoutSeconds must be positive, got %d", ErrInvalidRequirements, r.MaxTimeoutSeconds)
	}
	if r.Extra == nil || r.Extra.Name == "" || r.Extra.Version == "" {
		return fmt.Errorf("%w: EIP-712 domain name and version are required", ErrInvalidRequirements)
	}
	return nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// MaxUint256 returns 2^256-1, the largest value an EIP-3009 transfer can carry.
func MaxUint256() *big.Int {
	return new(big.Int).Set(maxUint256)
}

// Registry maps resource identifiers to their payment requirements.
// Registration happens at configuration time; lookups are safe for
// concurrent use on the request path.
type Registry struct {
	mu           sync.RWMutex
	requirements map[string]PaymentRequirement
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{requirements: make(map[string]PaymentRequirement)}
}

// Register validates req and prices resourceID with it.
// Registering an already priced resource replaces its descriptor.
func (r *Registry) Register(resourceID string, req PaymentRequirement) error {
	if resourceID == "" {
		return fmt.Errorf("%w: resource id cannot be empty", ErrInvalidRequirements)
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("resource %s: %w", resourceID, err)
	}
	req.Extra = cloneDomain(req.Extra)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.requirements[resourceID] = req
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(resourceID string, req PaymentRequirement) {
	if err := r.Register(resourceID, req); err != nil {
		panic(err)
	}
}

// Lookup returns a copy of the requirement for resourceID.
// Returns ErrUnknownResource if the resource is not priced.
func (r *Registry) Lookup(resourceID string) (PaymentRequirement, error) {
	r.mu.RLock()
	req, ok := r.requirements[resourceID]
	r.mu.RUnlock()
	if !ok {
		return PaymentRequirement{}, fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
	}
	req.Extra = cloneDomain(req.Extra)
	return req, nil
}

// Priced reports whether resourceID has a registered requirement.
func (r *Registry) Priced(resourceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.requirements[resourceID]
	return ok
}

// Resources returns the sorted list of priced resource identifiers.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.requirements))
	for id := range r.requirements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneDomain(d *EIP712Domain) *EIP712Domain {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
