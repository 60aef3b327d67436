package places

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/geoedge/internal/cryptoutil"
)

const (
	testBucket   = "geoedge-places"
	testPrefix   = "dictionaries"
	testSSMParam = "/geoedge/places/current"
)

const testDoc = `{"version":"2026.10.2","country_names":{"CO":"Colombia"},"countries":{"CO":{"bogota":{"name":"Bogotá","slug":"bogota"},"medellin":{"name":"Medellín","slug":"medellin"}}}}`

type fakeS3 struct {
	objects map[string][]byte
	gets    []string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	f.gets = append(f.gets, key)
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) put(key string, data []byte) { f.objects[testBucket+"/"+key] = data }

type fakeSSM struct {
	value string
	err   error
}

func (f *fakeSSM) GetParameter(_ context.Context, _ *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(f.value)}}, nil
}

type stubVerifier struct{ err error }

func (s stubVerifier) VerifySignature(_ context.Context, _, sig []byte) error {
	if s.err != nil {
		return s.err
	}
	if string(sig) != "signed" {
		return errors.New("bad signature")
	}
	return nil
}

// publish stores doc under its digest and points SSM at it.
func publish(s3f *fakeS3, ssmf *fakeSSM, doc string) string {
	hash := cryptoutil.SHA256Hex([]byte(doc))
	s3f.put(testPrefix+"/"+hash+".json", []byte(doc))
	ssmf.value = hash
	return hash
}

func newTestLoader(t *testing.T, s3f *fakeS3, ssmf *fakeSSM, v cryptoutil.Verifier) *Loader {
	t.Helper()
	l, err := NewLoader(LoaderOptions{
		SSMParam:  testSSMParam,
		S3Bucket:  testBucket,
		S3Prefix:  "/" + testPrefix + "/",
		SSMClient: ssmf,
		S3Client:  s3f,
		Verifier:  v,
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

func TestNewLoader_RequiresOptions(t *testing.T) {
	if _, err := NewLoader(LoaderOptions{S3Bucket: "b", SSMClient: &fakeSSM{}, S3Client: newFakeS3()}); err == nil {
		t.Fatal("expected error without SSMParam")
	}
	if _, err := NewLoader(LoaderOptions{SSMParam: "p", SSMClient: &fakeSSM{}, S3Client: newFakeS3()}); err == nil {
		t.Fatal("expected error without S3Bucket")
	}
	if _, err := NewLoader(LoaderOptions{SSMParam: "p", S3Bucket: "b"}); err == nil {
		t.Fatal("expected error without clients")
	}
}

func TestLoader_Load(t *testing.T) {
	s3f, ssmf := newFakeS3(), &fakeSSM{}
	hash := publish(s3f, ssmf, testDoc)

	d, err := newTestLoader(t, s3f, ssmf, nil).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Version != "2026.10.2" || d.Meta.SHA256 != hash || d.Meta.Source != SourceS3 {
		t.Fatalf("unexpected dictionary %+v", d.Meta)
	}
	if p := d.Normalize("MEDELLIN", "CO"); p.Name != "Medellín" {
		t.Fatalf("Normalize = %+v", p)
	}
	if got := s3f.gets[0]; got != testPrefix+"/"+hash+".json" {
		t.Fatalf("fetched key %q", got)
	}
}

func TestLoader_CurrentHashErrors(t *testing.T) {
	for name, ssmf := range map[string]*fakeSSM{
		"api error":  {err: errors.New("throttled")},
		"not digest": {value: "latest"},
		"empty":      {value: "  "},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := newTestLoader(t, newFakeS3(), ssmf, nil).CurrentHash(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoader_ChecksumMismatch(t *testing.T) {
	s3f, ssmf := newFakeS3(), &fakeSSM{}
	hash := publish(s3f, ssmf, testDoc)
	s3f.put(testPrefix+"/"+hash+".json", []byte(strings.Replace(testDoc, "Bogotá", "Bogota", 1)))

	_, err := newTestLoader(t, s3f, ssmf, nil).LoadHash(context.Background(), hash)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestLoader_TooLarge(t *testing.T) {
	s3f, ssmf := newFakeS3(), &fakeSSM{}
	hash := publish(s3f, ssmf, testDoc)
	l := newTestLoader(t, s3f, ssmf, nil)
	l.opts.MaxBytes = 16
	if _, err := l.LoadHash(context.Background(), hash); err == nil {
		t.Fatal("expected size error")
	}
}

func TestLoader_Signature(t *testing.T) {
	s3f, ssmf := newFakeS3(), &fakeSSM{}
	hash := publish(s3f, ssmf, testDoc)
	key := testPrefix + "/" + hash + ".json.sig"

	l := newTestLoader(t, s3f, ssmf, stubVerifier{})
	if _, err := l.Load(context.Background()); err == nil {
		t.Fatal("missing signature must fail when a verifier is configured")
	}

	s3f.put(key, []byte("forged"))
	if _, err := l.Load(context.Background()); err == nil {
		t.Fatal("bad signature accepted")
	}

	s3f.put(key, []byte("signed"))
	if _, err := l.Load(context.Background()); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
}

func TestLoader_InvalidDocument(t *testing.T) {
	s3f, ssmf := newFakeS3(), &fakeSSM{}
	publish(s3f, ssmf, `{"version":"x","countries":{}}`)
	_, err := newTestLoader(t, s3f, ssmf, nil).Load(context.Background())
	if !errors.Is(err, ErrInvalidDictionary) {
		t.Fatalf("want ErrInvalidDictionary, got %v", err)
	}
}
