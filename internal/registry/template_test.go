package registry

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"github.com/viddhana/pool/pkg/crypto"
)

func TestEncodeHeightScriptSmallHeightIsSingleOpcode(t *testing.T) {
	for h := int64(0); h < 17; h++ {
		got := encodeHeightScript(h)
		if len(got) != 1 {
			t.Fatalf("height %d: expected a single opcode byte, got %x", h, got)
		}
		if got[0] != byte(0x50+h) {
			t.Fatalf("height %d: got opcode %#x", h, got[0])
		}
	}
}

func TestEncodeHeightScriptLargerHeightIsLengthPrefixedPush(t *testing.T) {
	for _, h := range []int64{17, 500, 65535, 700000, 1 << 23} {
		got := encodeHeightScript(h)
		if int(got[0]) != len(got)-1 {
			t.Fatalf("height %d: push length byte %d does not match payload length %d", h, got[0], len(got)-1)
		}

		// Reconstruct the little-endian minimal encoding and confirm it reads back.
		payload := got[1:]
		var reconstructed int64
		for i := len(payload) - 1; i >= 0; i-- {
			reconstructed = reconstructed<<8 | int64(payload[i])
		}
		if reconstructed != h {
			t.Fatalf("height %d: payload decoded to %d", h, reconstructed)
		}
	}
}

func TestComputeMerkleBranchEmpty(t *testing.T) {
	if branch := computeMerkleBranch(nil); branch != nil {
		t.Fatalf("expected nil branch for no transactions, got %v", branch)
	}
}

func TestComputeMerkleBranchSingleTransaction(t *testing.T) {
	txHash := bytes.Repeat([]byte{0xAB}, 32)
	branch := computeMerkleBranch([][]byte{txHash})
	if len(branch) != 1 {
		t.Fatalf("expected a 1-element branch, got %d", len(branch))
	}
	if !bytes.Equal(branch[0], txHash) {
		t.Fatalf("branch[0] = %x, want the lone transaction hash", branch[0])
	}

	// Folding a coinbase hash through it must reproduce the plain 2-leaf root.
	coinbaseHash := bytes.Repeat([]byte{0xCD}, 32)
	root := crypto.CalculateMerkleRootWithCoinbase(coinbaseHash, branch)
	want := crypto.DoubleSHA256(append(append([]byte{}, coinbaseHash...), txHash...))
	if !bytes.Equal(root, want) {
		t.Fatalf("merkle root mismatch:\n got  %x\n want %x", root, want)
	}
}

func TestComputeMerkleBranchThreeTransactions(t *testing.T) {
	tx1 := bytes.Repeat([]byte{0x01}, 32)
	tx2 := bytes.Repeat([]byte{0x02}, 32)
	tx3 := bytes.Repeat([]byte{0x03}, 32)

	branch := computeMerkleBranch([][]byte{tx1, tx2, tx3})
	coinbaseHash := bytes.Repeat([]byte{0xEE}, 32)
	root := crypto.CalculateMerkleRootWithCoinbase(coinbaseHash, branch)

	// level0 = [coinbase, tx1, tx2, tx3] (already even, no duplication needed):
	// fold coinbase with tx1, fold tx2 with tx3, then fold those two together.
	h01 := crypto.DoubleSHA256(append(append([]byte{}, coinbaseHash...), tx1...))
	h23 := crypto.DoubleSHA256(append(append([]byte{}, tx2...), tx3...))
	want := crypto.DoubleSHA256(append(append([]byte{}, h01...), h23...))

	if !bytes.Equal(root, want) {
		t.Fatalf("merkle root mismatch:\n got  %x\n want %x", root, want)
	}
}

func TestComputeMerkleBranchTwoTransactionsDuplicatesLast(t *testing.T) {
	tx1 := bytes.Repeat([]byte{0x01}, 32)
	tx2 := bytes.Repeat([]byte{0x02}, 32)

	branch := computeMerkleBranch([][]byte{tx1, tx2})
	if len(branch) != 2 {
		t.Fatalf("expected a 2-element branch, got %d", len(branch))
	}

	coinbaseHash := bytes.Repeat([]byte{0xFA}, 32)
	root := crypto.CalculateMerkleRootWithCoinbase(coinbaseHash, branch)

	// level0 = [coinbase, tx1, tx2] is odd (3 elements), so tx2 is duplicated
	// before folding: fold(tx2, tx2) first, then fold coinbase with tx1.
	h22 := crypto.DoubleSHA256(append(append([]byte{}, tx2...), tx2...))
	h01 := crypto.DoubleSHA256(append(append([]byte{}, coinbaseHash...), tx1...))
	want := crypto.DoubleSHA256(append(append([]byte{}, h01...), h22...))

	if !bytes.Equal(root, want) {
		t.Fatalf("merkle root mismatch:\n got  %x\n want %x", root, want)
	}
}

func newTestTemplate(t *testing.T, extranonceTotal int) *BlockTemplate {
	t.Helper()
	tmpl := newBlockTemplate("1", extranonceTotal, 2*time.Minute, DoubleSHA256Hasher{})

	data := &TemplateData{
		Version:           0x20000000,
		PreviousBlockHash: hex.EncodeToString(bytes.Repeat([]byte{0x11}, 32)),
		Bits:              "1d00ffff",
		CurTime:           1_700_000_000,
		Height:            800000,
		CoinbaseValue:     625000000,
		CoinbaseFlags:     "",
		PoolScriptPubKey:  "76a914000000000000000000000000000000000000000088ac",
		Transactions: []TemplateTransaction{
			{DataHex: hex.EncodeToString(bytes.Repeat([]byte{0x22}, 60))},
		},
	}

	if err := tmpl.FillFromRPC(data, "2f706f6f6c2f", true); err != nil {
		t.Fatalf("FillFromRPC: %v", err)
	}
	return tmpl
}

func TestFillFromRPCPopulatesBroadcastArgs(t *testing.T) {
	tmpl := newTestTemplate(t, 8)

	args := tmpl.BroadcastArgs()
	if args.JobID != "1" {
		t.Fatalf("JobID = %q, want %q", args.JobID, "1")
	}
	if !args.CleanJobs {
		t.Fatal("expected clean_jobs = true for a freshly filled template")
	}
	if args.NBits != "1d00ffff" {
		t.Fatalf("NBits = %q, want 1d00ffff", args.NBits)
	}
	if len(args.MerkleBranch) != 1 {
		t.Fatalf("expected a 1-element merkle branch, got %d", len(args.MerkleBranch))
	}
}

func TestSerializeCoinbaseRejectsWrongExtranonceWidth(t *testing.T) {
	tmpl := newTestTemplate(t, 8)

	_, err := tmpl.SerializeCoinbase(make([]byte, 4), make([]byte, 3))
	if err == nil {
		t.Fatal("expected an error when extranonce1+extranonce2 does not fill the reserved region")
	}

	out, err := tmpl.SerializeCoinbase(make([]byte, 4), make([]byte, 4))
	if err != nil {
		t.Fatalf("unexpected error with a correctly sized extranonce pair: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected a non-empty serialized coinbase")
	}
}

func TestCheckNtimeRange(t *testing.T) {
	tmpl := newTestTemplate(t, 8)
	maxAge := 2 * time.Minute

	if !tmpl.CheckNtime(tmpl.curtime, maxAge) {
		t.Fatal("curtime itself must be within range")
	}
	if !tmpl.CheckNtime(tmpl.curtime+60, maxAge) {
		t.Fatal("curtime+60s must be within a 2-minute window")
	}
	if tmpl.CheckNtime(tmpl.curtime+600, maxAge) {
		t.Fatal("curtime+600s must be outside a 2-minute window")
	}
	if tmpl.CheckNtime(tmpl.curtime-600, maxAge) {
		t.Fatal("curtime-600s must be outside a 2-minute window")
	}
}

func TestRegisterSubmitRejectsDuplicates(t *testing.T) {
	tmpl := newTestTemplate(t, 8)

	if !tmpl.RegisterSubmit("aabbccdd", "00000000", "5f5e1000", "00000001") {
		t.Fatal("first submission of a tuple must be accepted")
	}
	if tmpl.RegisterSubmit("aabbccdd", "00000000", "5f5e1000", "00000001") {
		t.Fatal("identical tuple resubmitted must be rejected")
	}
	if !tmpl.RegisterSubmit("aabbccdd", "00000000", "5f5e1000", "00000002") {
		t.Fatal("a tuple differing only in nonce must be accepted")
	}
}

func TestSerializeHeaderLayout(t *testing.T) {
	tmpl := newTestTemplate(t, 8)

	merkleRoot := bytes.Repeat([]byte{0x33}, 32)
	ntimeBin := []byte{0x00, 0x00, 0x00, 0x01}
	nonceBin := []byte{0x00, 0x00, 0x00, 0x02}

	header := tmpl.SerializeHeader(merkleRoot, ntimeBin, nonceBin)
	if len(header) != 80 {
		t.Fatalf("header length = %d, want 80", len(header))
	}
	if !bytes.Equal(header[36:68], merkleRoot) {
		t.Fatal("merkle root not placed at offset 36")
	}
	if !bytes.Equal(header[68:72], ntimeBin) {
		t.Fatal("ntime not placed at offset 68")
	}
	if !bytes.Equal(header[76:80], nonceBin) {
		t.Fatal("nonce not placed at offset 76")
	}
}
