// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package basetable

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3TargetConfig locates the object store sealed log segments are
// archived to.
type S3TargetConfig struct {
	Bucket       string `json:"bucket"`
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint"`
	AccessKey    string `json:"access-key"`
	SecretKey    string `json:"secret-key"`
	UsePathStyle bool   `json:"use-path-style"`

	// Prefix is prepended to every uploaded object key.
	Prefix string `json:"prefix"`
}

// SegmentArchiver uploads sealed, already-flushed log segments to an
// S3-compatible object store and removes the local copy afterwards.
// Only sealed segments are touched; the active log file is never
// uploaded.
type SegmentArchiver struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewSegmentArchiver(cfg S3TargetConfig) (*SegmentArchiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("basetable: archiver: empty bucket name")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("basetable: archiver: load AWS config: %w", err)
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	return &SegmentArchiver{
		client: s3.NewFromConfig(awsCfg, opts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// ArchiveSegment uploads one sealed segment and deletes the local file
// on success. The object key is prefix/<basename>.
func (a *SegmentArchiver) ArchiveSegment(ctx context.Context, sealedPath string) error {
	f, err := os.Open(sealedPath)
	if err != nil {
		return fmt.Errorf("basetable: archiver: %w", err)
	}
	defer f.Close()

	key := filepath.Base(sealedPath)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("basetable: archiver: uploading %s: %w", key, err)
	}

	btlog.Infof("archived log segment %s to s3://%s/%s", sealedPath, a.bucket, key)
	return os.Remove(sealedPath)
}

// ArchiveSealed scans dir for every *.sealed segment and archives
// each. Errors on individual segments are logged, not fatal;
// the next sweep retries them.
func (a *SegmentArchiver) ArchiveSealed(ctx context.Context, dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.sealed"))
	if err != nil {
		btlog.Errorf("archiver: scanning %s: %v", dir, err)
		return
	}
	for _, m := range matches {
		if err := a.ArchiveSegment(ctx, m); err != nil {
			btlog.Errorf("archiver: %v", err)
		}
	}
}
