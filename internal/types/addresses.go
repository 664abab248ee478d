package types

// Well-known program addresses.
var (
	// SystemProgramAddr is the System Program address.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// YeetProgramAddr is the default address the yeet program is deployed at.
	// Nodes may register it elsewhere through configuration.
	YeetProgramAddr = MustPubkeyFromBase58("Yeet111111111111111111111111111111111111111")

	// NativeLoaderAddr owns the accounts of built-in programs.
	NativeLoaderAddr = MustPubkeyFromBase58("NativeLoader1111111111111111111111111111111")
)

// IsNativeProgram returns true if the pubkey is a built-in program.
func IsNativeProgram(p Pubkey) bool {
	switch p {
	case SystemProgramAddr, YeetProgramAddr:
		return true
	default:
		return false
	}
}
