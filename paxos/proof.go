package paxos

import (
	"bytes"
	"context"

	"github.com/imdea-software/bftsmr/auth"
	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/dlog"
	"github.com/imdea-software/bftsmr/view"
)

// Prover builds and checks the proofs attached to ACCEPT messages.
type Prover struct {
	ctx        context.Context
	me         int32
	controller *view.Controller
	keys       *auth.KeyStore
	signer     *auth.Signer
	ring       *auth.KeyRing
	log        *dlog.Logger
}

// NewProver returns a prover for the local replica. ctx bounds waits for
// pairwise secrets; it only ends when the replica shuts down.
func NewProver(ctx context.Context, controller *view.Controller, keys *auth.KeyStore,
	signer *auth.Signer, ring *auth.KeyRing, log *dlog.Logger) *Prover {
	return &Prover{
		ctx:        ctx,
		me:         controller.Me(),
		controller: controller,
		keys:       keys,
		signer:     signer,
		ring:       ring,
		log:        log,
	}
}

// InsertProof attaches a proof to the ACCEPT cm of epoch. A value that
// reconfigures the current view is signed, since some current members may
// not belong to the next view; otherwise every current acceptor gets a MAC
// computed with the secret shared with it.
func (p *Prover) InsertProof(cm *consensus.Message, epoch *consensus.Epoch) {
	data := cm.SignBytes()

	if b, ok := epoch.DeserializedPropValue().(Reconfiguring); ok && b.ReconfiguresView(p.controller.CurrentViewID()) {
		cm.Proof = consensus.NewSignatureProof(p.signer.Sign(data))
		metrics.signatureProof.Add(p.ctx, 1)
		return
	}

	macs := make(map[int32][]byte)
	for _, id := range p.controller.CurrentViewAcceptors() {
		secret, err := p.keys.WaitSecret(p.ctx, id, func(err error) {
			p.log.Warnf("waiting for secret shared with %d: %v", id, err)
		})
		if err != nil {
			p.log.Warnf("no MAC for %d in proof of %v: %v", id, cm, err)
			continue
		}
		macs[id] = auth.MAC(secret, data)
	}
	cm.Proof = consensus.NewMACVector(macs)
	metrics.macProofs.Add(p.ctx, 1)
}

// verify checks the proof of an ACCEPT from the point of view of the local
// replica: a signature by the sender, or the MAC entry addressed to us.
func (p *Prover) verify(msg *consensus.Message) bool {
	if msg.Proof == nil {
		return false
	}
	data := msg.SignBytes()
	switch msg.Proof.Kind {
	case consensus.ProofSignature:
		return p.ring.Verify(msg.Sender, data, msg.Proof.Signature)
	case consensus.ProofMACVector:
		mac, ok := msg.Proof.MACs[p.me]
		if !ok {
			return false
		}
		secret, ok := p.keys.TrySecret(msg.Sender)
		if !ok {
			return false
		}
		return auth.VerifyMAC(secret, data, mac)
	}
	return false
}

// VerifyAccept reports whether an ACCEPT carries a proof valid for us.
func (p *Prover) VerifyAccept(msg *consensus.Message) bool {
	return msg.Type == consensus.ACCEPT && p.verify(msg)
}

// ValidCertificate reports whether cd is backed by valid ACCEPT proofs from
// at least 2f+1 distinct processes for the hash of its value. A missing
// certificate, or one for cid -1, is trivially valid.
func (p *Prover) ValidCertificate(cd *consensus.CertifiedDecision, hash func([]byte) []byte) bool {
	if cd == nil || cd.Cid == -1 {
		return true
	}
	hashed := hash(cd.Decision)
	counted := make(map[int32]bool)
	for _, m := range cd.ConsMessages {
		if m == nil || counted[m.Sender] {
			continue
		}
		if m.Number != cd.Cid || !bytes.Equal(m.Value, hashed) {
			continue
		}
		if p.VerifyAccept(m) {
			counted[m.Sender] = true
		}
	}
	return len(counted) >= view.CertificateSize(p.controller.CurrentViewF())
}
