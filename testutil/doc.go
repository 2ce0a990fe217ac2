// Package testutil holds fixtures, builders and fakes shared by the walletcore test suites.
//
// Nothing here imports walletcore, so tests inside the walletcore package can use it without
// an import cycle. FakeProvider satisfies walletcore.ChainProvider structurally.
//
//	provider := testutil.NewFakeProvider("mainnet")
//	provider.SetNonce(testutil.TestPrivateKey1Address, 5)
//	tx := testutil.SignedTx(testutil.TestPrivateKey1, 1, 5, testutil.TestAddr2, testutil.OneEth)
package testutil
