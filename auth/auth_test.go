package auth

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeriveSecretIsSymmetric(t *testing.T) {
	master := []byte("cluster")
	if !bytes.Equal(DeriveSecret(master, 1, 3), DeriveSecret(master, 3, 1)) {
		t.Error("secret depends on argument order")
	}
	if bytes.Equal(DeriveSecret(master, 1, 3), DeriveSecret(master, 1, 2)) {
		t.Error("distinct pairs share a secret")
	}
}

func TestMACVerification(t *testing.T) {
	secret := DeriveSecret([]byte("m"), 0, 1)
	data := []byte("accept")
	mac := MAC(secret, data)
	if !VerifyMAC(secret, data, mac) {
		t.Fatal("valid MAC rejected")
	}
	if VerifyMAC(secret, []byte("other"), mac) {
		t.Error("MAC verified over different data")
	}
	if VerifyMAC(DeriveSecret([]byte("m"), 0, 2), data, mac) {
		t.Error("MAC verified under a different secret")
	}
}

func TestSecretWaitsUntilEstablished(t *testing.T) {
	ks := NewKeyStore(0)
	got := make(chan []byte, 1)
	go func() {
		s, err := ks.Secret(context.Background(), 2)
		if err != nil {
			t.Error(err)
		}
		got <- s
	}()

	time.Sleep(10 * time.Millisecond)
	ks.SetSecret(2, []byte("k"))
	select {
	case s := <-got:
		if string(s) != "k" {
			t.Errorf("secret = %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestSecretHonorsContext(t *testing.T) {
	ks := NewKeyStore(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ks.Secret(ctx, 5)
	if !errors.Is(err, ErrNoSecret) {
		t.Errorf("err = %v, want ErrNoSecret", err)
	}
}

func TestWaitSecretReportsMisses(t *testing.T) {
	ks := NewKeyStore(0)
	misses := make(chan error, 16)
	go func() {
		time.Sleep(30 * time.Millisecond)
		ks.SetSecret(1, []byte("late"))
	}()
	s, err := ks.WaitSecret(context.Background(), 1, func(err error) {
		select {
		case misses <- err:
		default:
		}
	})
	if err != nil || string(s) != "late" {
		t.Fatalf("WaitSecret = %q, %v", s, err)
	}
	if len(misses) == 0 {
		t.Error("no miss reported while the secret was absent")
	}
}

func TestDerivedKeysVerify(t *testing.T) {
	master := []byte("cluster")
	signer, ring, err := DerivedKeys(master, 1, []int32{0, 1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("reconfig accept")
	sig := signer.Sign(data)
	if !ring.Verify(1, data, sig) {
		t.Error("own signature rejected")
	}
	if ring.Verify(2, data, sig) {
		t.Error("signature verified under another replica's key")
	}
	if ring.Verify(9, data, sig) {
		t.Error("unknown replica verified")
	}
}

func TestKeyFiles(t *testing.T) {
	dir := t.TempDir()
	s1, err := LoadSigner(dir, 4)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := LoadSigner(dir, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s1.Public(), s2.Public()) {
		t.Error("reloaded key differs")
	}
	ring, err := LoadKeyRing(dir, []int32{4})
	if err != nil {
		t.Fatal(err)
	}
	if !ring.Verify(4, []byte("x"), s2.Sign([]byte("x"))) {
		t.Error("signature rejected by loaded ring")
	}
	if _, err := LoadKeyRing(dir, []int32{5}); err == nil {
		t.Error("missing public key accepted")
	}
}
