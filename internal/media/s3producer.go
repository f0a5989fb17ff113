package media

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3HintProducer is the core's one reference implementation of HintProducer:
// it uploads an asset to an S3-compatible bucket and reports back the
// resulting HTTP mirror locator (spec §4.9's "HTTP mirror" hint kind). It
// is grounded on the teacher's storage.HetznerUploadFile, trimmed from that
// file's multi-backend (LakeFS/MinIO/Hetzner/S3) generality down to the one
// shape C9 actually needs: upload bytes, hand back a locator.
type S3HintProducer struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	publicURLPrefix string
}

// NewS3HintProducer builds a producer against an already-configured S3
// client (region, credentials, and custom endpoint resolution are the
// caller's concern, same division of labor as the teacher's
// HetznerUploadFile taking a pre-built *s3.Client).
func NewS3HintProducer(client *s3.Client, bucket, publicURLPrefix string) *S3HintProducer {
	return &S3HintProducer{
		client:          client,
		uploader:        manager.NewUploader(client),
		bucket:          bucket,
		publicURLPrefix: publicURLPrefix,
	}
}

// Kind identifies this producer's hint kind in the manifest (spec §3.1,
// entity "Storage Manifest", hints: [{kind ∈ {http,ipfs,bittorrent,arweave}}]).
func (p *S3HintProducer) Kind() string { return "http" }

// Upload stores data under a content-addressed key and returns the public
// HTTP locator for it. Using contentHash as the object key makes re-uploads
// of identical bytes a no-op overwrite, the same idempotence-by-address
// property the rest of the core relies on for DIDs (I7-style).
func (p *S3HintProducer) Upload(data []byte, contentHash string) (string, error) {
	ctx := context.Background()
	_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(contentHash),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("media: upload %s to s3: %w", contentHash, err)
	}
	return fmt.Sprintf("%s/%s", p.publicURLPrefix, contentHash), nil
}
