package config

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
)

// GetSecret fetches the named secret's string value from AWS Secrets
// Manager in region, matching the call site the teacher's main.go uses
// for configType == "aws" and for the database password fallback.
func GetSecret(secretName, region string) (string, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return "", fmt.Errorf("config: create aws session: %w", err)
	}
	svc := secretsmanager.New(sess)
	out, err := svc.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		return "", fmt.Errorf("config: get secret %s: %w", secretName, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("config: secret %s has no string value", secretName)
	}
	return *out.SecretString, nil
}

// dbPassSecret is the shape of the JSON secret holding a database
// password, matching the teacher's getDBPass unmarshalling.
type dbPassSecret struct {
	DbPass string `json:"db_pass"`
}

// ResolveDBPassword returns cfg.Password, or fetches it from AWS
// Secrets Manager if cfg.AWSSecretName is set, matching the teacher's
// getDBPass fallback chain.
func ResolveDBPassword(cfg *DBConfig) (string, error) {
	if cfg.AWSSecretName == "" {
		return cfg.Password, nil
	}
	raw, err := GetSecret(cfg.AWSSecretName, cfg.AWSRegion)
	if err != nil {
		return "", err
	}
	var secret dbPassSecret
	if err := json.Unmarshal([]byte(raw), &secret); err != nil {
		return "", fmt.Errorf("config: parse db password secret: %w", err)
	}
	return secret.DbPass, nil
}
