// ogc-gateway federates OGC API Processes providers behind one HTTP surface.
// Copyright (C) 2025 ogc-gateway contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package inputs is the object tier of the inputs-storage port: it
// stores execution bodies too large to keep inline on the job record and
// hands back a URL the job references via inputs_url. Backed by any
// S3-compatible bucket through aws-sdk-go-v2.
package inputs

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
)

// Store is the inputs-storage object tier, consumed by jobmanager.InputsStore.
type Store struct {
	client *s3.Client
	bucket string
}

// New loads AWS configuration from the environment/shared config chain
// (region, credentials) and builds a Store bound to bucket. A non-empty
// accessKeyID switches to static credentials, the usual setup for
// self-hosted S3-compatible stores that have no metadata service.
func New(ctx context.Context, bucket, region, accessKeyID, secretAccessKey string) (*Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.InternalError, "load aws config", err)
	}
	return &Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Put uploads body under a key derived from jobID and returns an s3://
// style reference URL recorded as the job's inputs_url.
func (s *Store) Put(ctx context.Context, jobID string, body []byte) (string, error) {
	key := "inputs/" + jobID + ".json"
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", gwerr.Wrap(gwerr.InternalError, "put inputs object", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Get fetches a previously stored input body by the s3:// reference URL
// Put returned (a bare key is also accepted). Used when a job's inputs
// must be re-forwarded or inspected (never exposed in a JobStatusInfo
// per the inputs-never-surfaced invariant).
func (s *Store) Get(ctx context.Context, inputsURL string) ([]byte, error) {
	key := strings.TrimPrefix(inputsURL, "s3://"+s.bucket+"/")
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, gwerr.Wrap(gwerr.InternalError, "get inputs object", err)
	}
	defer out.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, gwerr.Wrap(gwerr.InternalError, "read inputs object", err)
	}
	return buf.Bytes(), nil
}
