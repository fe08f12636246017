// Package awsec2 builds a SASL mechanism for MSK brokers from the ec2
// instance role
package awsec2

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/aws_msk_iam_v2"

	"github.com/Leafline/compliance-sync/e"
)

const (
	ECode070301 = e.Code0703 + "01"
	ECode070302 = e.Code0703 + "02"
)

// SASLMechanismConfig configuration options for NewSASLMechanism
type SASLMechanismConfig struct {
	Region string
}

// NewSASLMechanism returns a new SASL mechanism using the ec2 role
// credentials
func NewSASLMechanism(c SASLMechanismConfig) (sm sasl.Mechanism, err error) {
	if c.Region == "" {
		return nil, e.N(ECode070301, "region not specified")
	}

	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		return nil, e.W(err, ECode070302)
	}
	cfg.Region = c.Region
	cfg.Credentials = aws.NewCredentialsCache(ec2rolecreds.New())

	return aws_msk_iam_v2.NewMechanism(cfg), nil
}
