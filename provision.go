package burst

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/burstcompute/burst/ssh"
)

const (
	// Ingress is wide open on the SSH port - the fleet is ephemeral and its
	// public addresses are unknown until launch.
	sshIngressCIDR = "0.0.0.0/0"

	// Unrestricted intra-fleet traffic on the default VPC's private range.
	fleetCIDR = "172.31.0.0/16"
)

// provisioned holds the cloud-side resources shared by every machine in the
// fleet. All fields are read-only after 'provision' returns.
type provisioned struct {
	securityGroupID string
	keyName         string

	// keyPath is the 0600 temp file holding the fleet's private key. Scoped to
	// the run; removed when the run ends.
	keyPath string
}

// provision creates the fleet's shared network access policy and key
// material: a security group allowing SSH from anywhere plus unrestricted
// intra-fleet TCP, and an ED25519 key pair generated locally with the public
// half imported to the control plane.
//
// The security group and key pair are not deleted when the run ends; both
// carry burst-managed tags so external cleanup can find them.
func provision(ctx context.Context, client ec2API) (*provisioned, error) {
	log := clog.FromContext(ctx)

	groupName := "burst-sg-" + uuid.NewString()
	sg, err := client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(groupName),
		Description: aws.String("temporary access group for burst fleet machines"),
		TagSpecifications: tagSpecificationWithDefaults(
			types.ResourceTypeSecurityGroup,
			types.Tag{Key: aws.String(tagKeyName), Value: aws.String(groupName)},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating security group: %w", ErrProvisioning, err)
	}
	groupID := aws.ToString(sg.GroupId)
	log.Info("created security group", "id", groupID, "name", groupName)

	_, err = client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:    aws.String(groupID),
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(int32(ssh.DefaultPort)),
		ToPort:     aws.Int32(int32(ssh.DefaultPort)),
		CidrIp:     aws.String(sshIngressCIDR),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: authorizing SSH ingress: %w", ErrProvisioning, err)
	}

	_, err = client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:    aws.String(groupID),
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(0),
		ToPort:     aws.Int32(65535),
		CidrIp:     aws.String(fleetCIDR),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: authorizing intra-fleet ingress: %w", ErrProvisioning, err)
	}
	log.Debug("authorized ingress", "ssh_from", sshIngressCIDR, "fleet", fleetCIDR)

	keys, err := ssh.NewED25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}
	pubKey, err := keys.Public.MarshalOpenSSH()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	keyName := "burst-key-" + uuid.NewString()
	result, err := client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(keyName),
		PublicKeyMaterial: pubKey,
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeKeyPair),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: importing key pair: %w", ErrProvisioning, err)
	}
	log.Info("imported key pair", "id", aws.ToString(result.KeyPairId), "name", keyName)

	keyPath, err := writePrivateKey(keys.Private, keyName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}
	log.Debug("saved private key", "path", keyPath)

	return &provisioned{
		securityGroupID: groupID,
		keyName:         keyName,
		keyPath:         keyPath,
	}, nil
}

// writePrivateKey persists the fleet's private key as an OpenSSH PEM file in
// the system temp directory, readable only by the current user.
func writePrivateKey(key ssh.ED25519PrivateKey, keyName string) (string, error) {
	keyFile, err := os.CreateTemp("", keyName+"-*.pem")
	if err != nil {
		return "", fmt.Errorf("creating temp key file: %w", err)
	}
	pemData, err := key.MarshalOpenSSH(keyName)
	if err != nil {
		_ = keyFile.Close()
		return "", err
	}
	if _, err := keyFile.Write(pemData); err != nil {
		_ = keyFile.Close()
		return "", fmt.Errorf("writing private key: %w", err)
	}
	if err := keyFile.Chmod(0o600); err != nil {
		_ = keyFile.Close()
		return "", fmt.Errorf("setting key file permissions: %w", err)
	}
	if err := keyFile.Close(); err != nil {
		return "", fmt.Errorf("closing key file: %w", err)
	}
	return keyFile.Name(), nil
}
