package healthchecks

import (
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/18F/cf-ca-lifecycle/config"
)

const s3HealthcheckKey = "healthcheck-test-key"

// CreateS3Checker writes and removes a probe object in the CRL archive bucket.
func CreateS3Checker(svc s3iface.S3API) Check {
	return func(settings config.Settings) error {
		_, err := svc.PutObject(&s3.PutObjectInput{
			Bucket: aws.String(settings.Bucket),
			Key:    aws.String(s3HealthcheckKey),
			Body:   strings.NewReader("cheese"),
		})
		if err != nil {
			return err
		}

		_, err = svc.DeleteObject(&s3.DeleteObjectInput{
			Bucket: aws.String(settings.Bucket),
			Key:    aws.String(s3HealthcheckKey),
		})
		return err
	}
}
