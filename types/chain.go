package types

// ChainKind separates the two transaction models the engine understands.
type ChainKind uint8

const (
	ChainAccount = ChainKind(iota) // nonce-serialized account chains (EVM family)
	ChainUTXO                      // input-consuming UTXO chains

	ChainAccountName = "account"
	ChainUTXOName    = "utxo"
)

func (k ChainKind) String() string {
	switch k {
	case ChainAccount:
		return ChainAccountName
	case ChainUTXO:
		return ChainUTXOName
	default:
		return "unknown"
	}
}
