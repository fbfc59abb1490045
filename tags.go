package burst

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// tagSpecificationWithDefaults produces a tag specification where the default
// burst tags are appended to the end of the 'withTags' variadic input values.
//
// A 'TagSpecification' is just AWS' term for metadata, defined as key-value
// pairs, associated with a particular 'types.ResourceType' (instances, spot
// requests, security groups and so on).
func tagSpecificationWithDefaults(rt types.ResourceType, withTags ...types.Tag) []types.TagSpecification {
	return []types.TagSpecification{
		{
			ResourceType: rt,
			Tags:         append(withTags, tagsDefault()...),
		},
	}
}

const (
	// 'Name' is well-known within AWS itself; 'ManagedBy' is what external
	// reapers key on to collect the security group and key pair this library
	// leaves behind.
	tagKeyName      = "Name"
	tagKeyManagedBy = "ManagedBy"

	tagDefaultManagedBy = "burst"
)

// tagsDefault produces the standard key-value pairs which should be associated
// to all created EC2 resources.
func tagsDefault() []types.Tag {
	return []types.Tag{
		{
			Key:   aws.String(tagKeyManagedBy),
			Value: aws.String(tagDefaultManagedBy),
		},
	}
}
