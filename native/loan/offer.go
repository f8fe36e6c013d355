package loan

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"credence/crypto"
)

// The offer digest follows the typed structured-data convention: a domain
// separator binds the signing scheme to this ledger instance, a struct hash
// covers every offer field under a fixed ordering, and the final digest
// prefixes both with 0x19 0x01 so a signed offer can never double as any
// other kind of signed message.

// OfferSchemeName and OfferSchemeVersion identify the signing scheme inside
// the domain separator. Bumping the version invalidates all outstanding
// offers.
const (
	OfferSchemeName    = "CredenceLoanOffer"
	OfferSchemeVersion = "1"
)

var (
	domainTypeHash = ethcrypto.Keccak256([]byte("Domain(string name,string version,uint256 chainId,address instance)"))
	offerTypeHash  = ethcrypto.Keccak256([]byte("LoanOffer(address borrower,uint256 principal,uint256 collateralAmount,uint256 interestRateBps,uint256 durationSeconds,uint256 nonce,uint256 expiry)"))
)

// ErrInvalidSignature covers every way an offer signature can fail to match
// the trusted signer: malformed length, out-of-range recovery byte, or a
// digest recovering to a different identity.
var ErrInvalidSignature = errors.New("loan offer: invalid signature")

// DomainSeparator computes the digest binding the signing scheme to one
// execution context and one ledger instance. It is computed once at system
// initialisation and never changes for the life of the instance.
func DomainSeparator(chainID uint64, instance crypto.Address) [32]byte {
	var out [32]byte
	digest := ethcrypto.Keccak256(
		domainTypeHash,
		ethcrypto.Keccak256([]byte(OfferSchemeName)),
		ethcrypto.Keccak256([]byte(OfferSchemeVersion)),
		uint256Word(new(big.Int).SetUint64(chainID)),
		addressWord(instance),
	)
	copy(out[:], digest)
	return out
}

// StructHash hashes the fixed, ordered encoding of every offer field tagged
// with the offer type descriptor, so two offers differing in any field
// produce different digests.
func StructHash(o *Offer) ([32]byte, error) {
	var out [32]byte
	if o == nil {
		return out, errors.New("nil offer")
	}
	digest := ethcrypto.Keccak256(
		offerTypeHash,
		addressWord(o.Borrower),
		uint256Word(o.Principal),
		uint256Word(o.Collateral),
		uint256Word(new(big.Int).SetUint64(o.InterestRateBps)),
		uint256Word(new(big.Int).SetUint64(o.DurationSeconds)),
		uint256Word(new(big.Int).SetUint64(o.Nonce)),
		uint256Word(big.NewInt(o.Expiry)),
	)
	copy(out[:], digest)
	return out, nil
}

// OfferDigest computes the final signed digest for an offer under the given
// domain separator.
func OfferDigest(o *Offer, domain [32]byte) ([32]byte, error) {
	var out [32]byte
	structHash, err := StructHash(o)
	if err != nil {
		return out, err
	}
	digest := ethcrypto.Keccak256([]byte{0x19, 0x01}, domain[:], structHash[:])
	copy(out[:], digest)
	return out, nil
}

// VerifyOffer recovers the signer of the offer digest and confirms it equals
// the trusted signer. Signatures are 65 bytes (r || s || v) with the recovery
// byte in the canonical {27, 28} convention. Verification mutates no state.
func VerifyOffer(o *Offer, sig []byte, trustedSigner crypto.Address, domain [32]byte) error {
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	switch normalized[64] {
	case 27, 28:
		normalized[64] -= 27
	default:
		return fmt.Errorf("%w: recovery byte %d outside {27,28}", ErrInvalidSignature, sig[64])
	}

	digest, err := OfferDigest(o, domain)
	if err != nil {
		return err
	}
	pub, err := ethcrypto.SigToPub(digest[:], normalized)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	recovered, err := crypto.NewAddress(ethcrypto.PubkeyToAddress(*pub).Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !recovered.Equal(trustedSigner) {
		return fmt.Errorf("%w: recovered %s, want %s", ErrInvalidSignature, recovered, trustedSigner)
	}
	return nil
}

// SignOffer produces a canonical 65-byte signature over the offer digest.
// Used by the off-chain signer tooling and by tests; the ledger itself only
// ever verifies.
func SignOffer(o *Offer, domain [32]byte, key *crypto.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("nil signing key")
	}
	digest, err := OfferDigest(o, domain)
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(digest[:], key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign offer: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

func uint256Word(v *big.Int) []byte {
	word := make([]byte, 32)
	if v == nil || v.Sign() <= 0 {
		return word
	}
	b := v.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(word[32-len(b):], b)
	return word
}

func addressWord(addr crypto.Address) []byte {
	word := make([]byte, 32)
	copy(word[12:], addr.Bytes())
	return word
}
