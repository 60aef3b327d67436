package places

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/geoedge/internal/cryptoutil"
	"github.com/keithlinneman/geoedge/internal/log"
	"github.com/keithlinneman/geoedge/internal/xerrors"
)

// DefaultMaxDictionaryBytes caps a downloaded dictionary document.
const DefaultMaxDictionaryBytes = 4 << 20

type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type LoaderOptions struct {
	Logger log.Logger

	// SSMParam holds the hex SHA-256 of the dictionary to serve.
	SSMParam string

	// Dictionaries live at s3://{S3Bucket}/{S3Prefix}/{sha256}.json with an
	// optional detached signature at the same key plus ".sig".
	S3Bucket string
	S3Prefix string

	SSMClient SSMAPI
	S3Client  S3API

	// Verifier, when set, makes the .sig object mandatory.
	Verifier cryptoutil.Verifier

	MaxBytes int64
}

// Loader resolves the published dictionary hash from SSM and downloads,
// verifies and parses the matching document from S3.
type Loader struct {
	opts   LoaderOptions
	ssm    SSMAPI
	s3     S3API
	logger log.Logger
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("places loader: SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("places loader: S3Bucket is required")
	}
	if opts.SSMClient == nil || opts.S3Client == nil {
		return nil, xerrors.New("places loader: SSM and S3 clients are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxDictionaryBytes
	}
	return &Loader{opts: opts, ssm: opts.SSMClient, s3: opts.S3Client, logger: opts.Logger}, nil
}

// CurrentHash reads the published dictionary digest from SSM.
func (l *Loader) CurrentHash(ctx context.Context) (string, error) {
	out, err := l.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}
	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if !cryptoutil.ValidSHA256Hex(hash) {
		return "", xerrors.Newf("SSM parameter %s is not a sha256 digest", l.opts.SSMParam)
	}
	return hash, nil
}

func (l *Loader) key(hash string) string {
	if p := strings.Trim(l.opts.S3Prefix, "/"); p != "" {
		return path.Join(p, hash+".json")
	}
	return hash + ".json"
}

func (l *Loader) fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, l.opts.MaxBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read s3://%s/%s", l.opts.S3Bucket, key)
	}
	if int64(len(data)) > l.opts.MaxBytes {
		return nil, xerrors.Newf("s3://%s/%s exceeds %d bytes", l.opts.S3Bucket, key, l.opts.MaxBytes)
	}
	return data, nil
}

// LoadHash downloads the dictionary published under hash, checks its
// digest and signature, and parses it.
func (l *Loader) LoadHash(ctx context.Context, hash string) (*Dictionary, error) {
	key := l.key(hash)
	l.logger.Info(ctx, "downloading place dictionary", "bucket", l.opts.S3Bucket, "key", key)

	data, err := l.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if actual := cryptoutil.SHA256Hex(data); !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("place dictionary checksum mismatch: expected %s, got %s", hash, actual)
	}

	if l.opts.Verifier != nil {
		sig, err := l.fetch(ctx, key+".sig")
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch place dictionary signature")
		}
		if err := l.opts.Verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrap(err, "verify place dictionary signature")
		}
	}

	d, err := Parse(data, SourceS3)
	if err != nil {
		return nil, err
	}
	d.Meta.SHA256 = hash

	l.logger.Info(ctx, "loaded place dictionary",
		"version", d.Version,
		"hash", truncHash(hash),
		"entries", d.Entries(),
		"signed", l.opts.Verifier != nil,
	)
	return d, nil
}

// Load fetches whatever dictionary SSM currently points at.
func (l *Loader) Load(ctx context.Context) (*Dictionary, error) {
	hash, err := l.CurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}
