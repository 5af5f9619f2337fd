////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package archive

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// S3Params configure an S3Archive. Any S3 compatible store works; set
// BaseEndpoint and UsePathStyle for MinIO and similar.
type S3Params struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Region          string `json:"region"`
	BaseEndpoint    string `json:"baseEndpoint,omitempty"`
	UsePathStyle    bool   `json:"usePathStyle"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
}

// S3Archive is a Client storing each blob as an object keyed by its ID.
type S3Archive struct {
	client *s3.Client
	params S3Params
}

// NewS3Archive loads the AWS configuration and returns an S3Archive. Static
// credentials in the params take precedence over the default chain.
func NewS3Archive(ctx context.Context, params S3Params) (*S3Archive, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(params.Region)}
	if params.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				params.AccessKeyID, params.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if params.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(params.BaseEndpoint)
		}
		o.UsePathStyle = params.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3Archive{client: client, params: params}, nil
}

func (a *S3Archive) key(id string) string {
	return a.params.Prefix + id
}

// Put uploads the data under its ID. Uploading the same data twice is a
// no-op from the caller's point of view.
func (a *S3Archive) Put(ctx context.Context, data []byte) (string, error) {
	id, err := ComputeID(data)
	if err != nil {
		return "", errors.WithMessage(ErrArchiveUploadFailed, err.Error())
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.params.Bucket),
		Key:           aws.String(a.key(id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", errors.WithMessagef(ErrArchiveUploadFailed,
			"failed to put %s: %v", id, err)
	}

	jww.DEBUG.Printf("[ARCHIVE] Uploaded %d bytes to s3://%s/%s",
		len(data), a.params.Bucket, a.key(id))
	return id, nil
}

// Get downloads the object of the ID and verifies it.
func (a *S3Archive) Get(ctx context.Context, id string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.params.Bucket),
		Key:    aws.String(a.key(id)),
	})
	if err != nil {
		return nil, errors.WithMessagef(ErrArchiveFetchFailed,
			"failed to get %s: %v", id, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.WithMessagef(ErrArchiveFetchFailed,
			"failed to read %s: %v", id, err)
	}
	if err = Verify(id, data); err != nil {
		return nil, errors.WithMessage(ErrArchiveFetchFailed, err.Error())
	}
	return data, nil
}
