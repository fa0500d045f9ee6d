package utils

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/18F/cf-ca-lifecycle/config"
)

const CRLContentType = "application/pkix-crl"

// CRLArchive keeps a copy of every published CRL and delta CRL in S3.
type CRLArchive struct {
	Settings config.Settings
	Service  s3iface.S3API
}

func CRLArchiveKey(issuingPoint, kind string, number *big.Int) string {
	return fmt.Sprintf("crl/%s/%s-%s.crl", issuingPoint, kind, number.String())
}

func (a *CRLArchive) Archive(issuingPoint, kind string, number *big.Int, encoded []byte) error {
	_, err := a.Service.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(a.Settings.Bucket),
		Key:         aws.String(CRLArchiveKey(issuingPoint, kind, number)),
		Body:        bytes.NewReader(encoded),
		ContentType: aws.String(CRLContentType),
		Metadata: map[string]*string{
			"issuing-point": aws.String(issuingPoint),
			"crl-number":    aws.String(number.String()),
		},
	})
	return err
}
