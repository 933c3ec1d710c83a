package keystore

import (
	"crypto/sha256"
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/trustmesh/trustmesh/internal/wotstore/errs"
)

// HSMConfig locates a P-256 keypair inside a PKCS11 token.
type HSMConfig struct {
	ModulePath string // path to the vendor's PKCS11 shared object
	SlotIndex  int    // index into the slot list returned by the module
	PIN        string
	KeyLabel   string // CKA_LABEL shared by the public/private key pair
}

// PKCS11KeyStore keeps an OwnIdentity's private key inside a hardware
// security module; signing happens inside the token and the private
// key material never enters process memory.
type PKCS11KeyStore struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	privKey pkcs11.ObjectHandle
	public  []byte
	id      string
}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore opens a session against the configured token and
// locates the keypair by label. The public key's EC point must be
// readable (CKA_EC_POINT) so the identity-id can be derived; the
// private key need only be usable for CKM_ECDSA signing.
func NewPKCS11KeyStore(cfg HSMConfig) (*PKCS11KeyStore, error) {
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, errs.NewInternal("keystore", fmt.Errorf("failed to load PKCS11 module %q", cfg.ModulePath))
	}
	if err := ctx.Initialize(); err != nil {
		return nil, errs.NewInternal("keystore", err)
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		ctx.Destroy()
		return nil, errs.NewInternal("keystore", err)
	}
	if cfg.SlotIndex >= len(slots) {
		ctx.Destroy()
		return nil, errs.NewInternal("keystore", fmt.Errorf("slot index %d out of range (have %d slots)", cfg.SlotIndex, len(slots)))
	}

	session, err := ctx.OpenSession(slots[cfg.SlotIndex], pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		ctx.Destroy()
		return nil, errs.NewInternal("keystore", err)
	}
	if err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
		ctx.CloseSession(session)
		ctx.Destroy()
		return nil, errs.NewInternal("keystore", err)
	}

	publicKeyBytes, err := findECPoint(ctx, session, cfg.KeyLabel)
	if err != nil {
		ctx.Logout(session)
		ctx.CloseSession(session)
		ctx.Destroy()
		return nil, err
	}

	privKey, err := findObject(ctx, session, pkcs11.CKO_PRIVATE_KEY, cfg.KeyLabel)
	if err != nil {
		ctx.Logout(session)
		ctx.CloseSession(session)
		ctx.Destroy()
		return nil, err
	}

	return &PKCS11KeyStore{
		ctx:     ctx,
		session: session,
		privKey: privKey,
		public:  publicKeyBytes,
		id:      IdentityIDFromPublicKey(publicKeyBytes),
	}, nil
}

func findObject(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, class uint, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := ctx.FindObjectsInit(session, template); err != nil {
		return 0, errs.NewInternal("keystore", err)
	}
	defer ctx.FindObjectsFinal(session)

	handles, _, err := ctx.FindObjects(session, 1)
	if err != nil {
		return 0, errs.NewInternal("keystore", err)
	}
	if len(handles) == 0 {
		return 0, errs.NewInternal("keystore", fmt.Errorf("no PKCS11 object with label %q and class %d", label, class))
	}
	return handles[0], nil
}

func findECPoint(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, label string) ([]byte, error) {
	handle, err := findObject(ctx, session, pkcs11.CKO_PUBLIC_KEY, label)
	if err != nil {
		return nil, err
	}
	attrs, err := ctx.GetAttributeValue(session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, errs.NewInternal("keystore", err)
	}
	if len(attrs) == 0 || len(attrs[0].Value) == 0 {
		return nil, errs.NewInternal("keystore", fmt.Errorf("PKCS11 object %q has no EC point", label))
	}
	// CKA_EC_POINT is a DER-encoded OCTET STRING wrapping the
	// uncompressed point; the token's own encoding already matches
	// what elliptic.Unmarshal expects once the DER octet-string
	// header (0x04 len) is stripped.
	raw := attrs[0].Value
	if len(raw) > 2 && raw[0] == 0x04 {
		return raw[2:], nil
	}
	return raw, nil
}

func (k *PKCS11KeyStore) IdentityID() string   { return k.id }
func (k *PKCS11KeyStore) PublicKeyHex() string { return fmt.Sprintf("%x", k.public) }

// Sign hashes data with SHA-256 and asks the token to sign the digest
// with CKM_ECDSA; the private key never leaves the module.
func (k *PKCS11KeyStore) Sign(data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)
	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := k.ctx.SignInit(k.session, mechanism, k.privKey); err != nil {
		return nil, errs.NewInternal("keystore", err)
	}
	sig, err := k.ctx.Sign(k.session, hash[:])
	if err != nil {
		return nil, errs.NewInternal("keystore", err)
	}
	return sig, nil
}

// Close logs out, closes the session, and unloads the module.
func (k *PKCS11KeyStore) Close() error {
	_ = k.ctx.Logout(k.session)
	_ = k.ctx.CloseSession(k.session)
	k.ctx.Destroy()
	return nil
}
