package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/geoedge/internal/xerrors"
)

// PublicKeyAPI is the slice of the KMS client used to fetch a verification key.
type PublicKeyAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// Verifier checks a detached signature over a message.
type Verifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// KMSVerifier verifies signatures locally against the public half of an
// asymmetric KMS key. The key is fetched once and cached.
type KMSVerifier struct {
	client PublicKeyAPI
	keyARN string

	mu  sync.Mutex
	pub crypto.PublicKey
}

func NewKMSVerifier(client PublicKeyAPI, keyARN string) *KMSVerifier {
	return &KMSVerifier{client: client, keyARN: keyARN}
}

func (v *KMSVerifier) publicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pub != nil {
		return v.pub, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyARN)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyARN)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has usage %s, want SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key")
	}
	v.pub = pub
	return pub, nil
}

// VerifySignature checks an ASN.1 ECDSA (P-256 with SHA-256, P-384 with
// SHA-384) or RSA-PSS SHA-256 signature over message.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.publicKey(ctx)
	if err != nil {
		return err
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		var digest []byte
		switch key.Curve {
		case elliptic.P256():
			d := sha256.Sum256(message)
			digest = d[:]
		case elliptic.P384():
			d := sha512.Sum384(message)
			digest = d[:]
		default:
			return xerrors.Newf("unsupported ECDSA curve %s", key.Curve.Params().Name)
		}
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return xerrors.Newf("ECDSA %s signature mismatch", key.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		d := sha256.Sum256(message)
		if err := rsa.VerifyPSS(key, crypto.SHA256, d[:], signature, nil); err != nil {
			return xerrors.Wrap(err, "RSA-PSS signature mismatch")
		}
		return nil
	default:
		return xerrors.Newf("unsupported public key type %T", pub)
	}
}
