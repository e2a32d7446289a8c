package bridge

// CalculateQuorum returns the minimum number of signers that need to sign a
// message for a given roster size.
//
// This must stay consistent with the quorum calculation of every on-chain
// verifier the bridge talks to, or releases authorized here would be rejected
// there and vice versa.
func CalculateQuorum(numSigners int) int {
	return ((numSigners * 2) / 3) + 1
}
