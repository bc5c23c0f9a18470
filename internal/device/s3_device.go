/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// S3Device is a segmented Device over an S3 bucket: each fixed-size
// segment is one S3 object, named "<prefix>/seg-<index>", rewritten in
// full on every write since S3 has no append or partial-write primitive.
// This makes S3 suitable as a cold tier for segments below HeadAddress
// that are written once (sealed) and read many times, not for the active
// tail.
package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config names the connection and addressing knobs for an S3Device.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Bucket          string
	Prefix          string
	ForcePathStyle  bool
}

type S3Device struct {
	cfg         S3Config
	sectorSize  int
	segmentSize int64

	mu     sync.Mutex
	client *s3.Client
}

func NewS3Device(cfg S3Config, sectorSize int, segmentSize int64) *S3Device {
	return &S3Device{cfg: cfg, sectorSize: sectorSize, segmentSize: segmentSize}
}

func (d *S3Device) SectorSize() int    { return d.sectorSize }
func (d *S3Device) SegmentSize() int64 { return d.segmentSize }

func (d *S3Device) ensureClient(ctx context.Context) (*s3.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if d.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(d.cfg.Region))
	}
	if d.cfg.AccessKeyID != "" && d.cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(d.cfg.AccessKeyID, d.cfg.SecretAccessKey, ""),
		))
	}
	loaded, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	var s3Opts []func(*s3.Options)
	if d.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(d.cfg.Endpoint) })
	}
	if d.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	d.client = s3.NewFromConfig(loaded, s3Opts...)
	return d.client, nil
}

func (d *S3Device) segmentKey(offset int64) string {
	return fmt.Sprintf("%s/seg-%08d", d.cfg.Prefix, offset/d.segmentSize)
}

func (d *S3Device) WriteAsync(ctx context.Context, offset int64, src []byte, cb Callback) {
	go func() {
		client, err := d.ensureClient(ctx)
		if err != nil {
			cb(0, err)
			return
		}
		// whole-segment rewrite: read-modify-write against the existing object
		key := d.segmentKey(offset)
		segOffset := offset % d.segmentSize
		existing, _ := d.getObject(ctx, client, key)
		needed := segOffset + int64(len(src))
		if int64(len(existing)) < needed {
			grown := make([]byte, needed)
			copy(grown, existing)
			existing = grown
		}
		copy(existing[segOffset:], src)
		_, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(d.cfg.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(existing),
		})
		if err != nil {
			cb(0, err)
			return
		}
		cb(len(src), nil)
	}()
}

func (d *S3Device) getObject(ctx context.Context, client *s3.Client, key string) ([]byte, error) {
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(d.cfg.Bucket), Key: aws.String(key)})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (d *S3Device) ReadAsync(ctx context.Context, offset int64, dst []byte, cb Callback) {
	go func() {
		client, err := d.ensureClient(ctx)
		if err != nil {
			cb(0, err)
			return
		}
		key := d.segmentKey(offset)
		segOffset := offset % d.segmentSize
		data, err := d.getObject(ctx, client, key)
		if err != nil {
			cb(0, err)
			return
		}
		if segOffset+int64(len(dst)) > int64(len(data)) {
			cb(0, fmt.Errorf("device: s3 read at %d len %d past object size %d", offset, len(dst), len(data)))
			return
		}
		n := copy(dst, data[segOffset:segOffset+int64(len(dst))])
		cb(n, nil)
	}()
}

func (d *S3Device) TruncateUntil(ctx context.Context, offset int64) error {
	client, err := d.ensureClient(ctx)
	if err != nil {
		return err
	}
	lastFullSegment := offset / d.segmentSize
	for seg := int64(0); seg < lastFullSegment; seg++ {
		key := fmt.Sprintf("%s/seg-%08d", d.cfg.Prefix, seg)
		_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(d.cfg.Bucket), Key: aws.String(key)})
	}
	return nil
}

func (d *S3Device) Close() error { return nil }
