// Package ec2 drives Amazon EC2 instances.
//
// Templates are EC2 launch templates: the template carries the AMI, the
// instance type and the network settings, vmctl only adds the name tag and
// the key pair. EC2 cannot re-image an instance in place, so rebuild is not
// supported.
package ec2

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/provider"
)

// Name is the backend name.
const Name = "ec2"

const (
	tagName     = "Name"
	tagTemplate = "vmctl:template"
	tagManaged  = "managed-by"
)

func init() {
	backend.Register(Name, Open)
}

// Open is the backend.Factory for EC2. Credentials are resolved through the
// default AWS chain.
func Open(ctx context.Context, deps backend.Deps) (backend.Backend, error) {
	cfg := deps.Config.EC2
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return provider.Open(ctx, New(ec2.NewFromConfig(awsCfg)), deps)
}

// Driver implements provider.Driver for EC2.
type Driver struct {
	client ec2Client
}

var _ provider.Driver = (*Driver)(nil)

// New returns a driver using client.
func New(client ec2Client) *Driver {
	return &Driver{client: client}
}

func (d *Driver) Name() string { return Name }

// List returns every instance not yet terminated.
func (d *Driver) List(ctx context.Context) ([]*backend.Instance, error) {
	var out []*backend.Instance
	p := ec2.NewDescribeInstancesPaginator(d.client, &ec2.DescribeInstancesInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, wrap("describe instances", err)
		}
		for _, r := range page.Reservations {
			for i := range r.Instances {
				if terminated(&r.Instances[i]) {
					continue
				}
				out = append(out, toInstance(&r.Instances[i]))
			}
		}
	}
	return out, nil
}

func (d *Driver) Get(ctx context.Context, inst *backend.Instance) (*backend.Instance, error) {
	res, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{inst.ID}})
	if err != nil {
		return nil, wrap("describe instance", err)
	}
	for _, r := range res.Reservations {
		for i := range r.Instances {
			if aws.ToString(r.Instances[i].InstanceId) == inst.ID && !terminated(&r.Instances[i]) {
				return toInstance(&r.Instances[i]), nil
			}
		}
	}
	return nil, wrap("describe instance", instanceNotFound(inst.ID))
}

// Templates lists the launch templates of the region.
func (d *Driver) Templates(ctx context.Context) ([]*backend.Template, error) {
	var out []*backend.Template
	in := &ec2.DescribeLaunchTemplatesInput{}
	for {
		res, err := d.client.DescribeLaunchTemplates(ctx, in)
		if err != nil {
			return nil, wrap("describe launch templates", err)
		}
		for _, lt := range res.LaunchTemplates {
			id := aws.ToString(lt.LaunchTemplateId)
			out = append(out, &backend.Template{
				Name:        aws.ToString(lt.LaunchTemplateName),
				ID:          id,
				Description: "launch template version " + strconv.FormatInt(aws.ToInt64(lt.DefaultVersionNumber), 10),
				Image:       id,
				Provider:    Name,
			})
		}
		if aws.ToString(res.NextToken) == "" {
			return out, nil
		}
		in.NextToken = res.NextToken
	}
}

func (d *Driver) Create(ctx context.Context, b *provider.Build) (*backend.Instance, error) {
	in := &ec2.RunInstancesInput{
		MinCount: aws.Int32(1),
		MaxCount: aws.Int32(1),
		LaunchTemplate: &types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(b.Template.Image),
			Version:          aws.String("$Default"),
		},
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String(tagName), Value: aws.String(b.Label)},
				{Key: aws.String(tagTemplate), Value: aws.String(b.Template.Name)},
				{Key: aws.String(tagManaged), Value: aws.String("vmctl")},
			},
		}},
	}

	if b.SSHKey != "" {
		err := b.Stage(ctx, "key", "Importing the SSH key", func(ctx context.Context) error {
			name, err := d.importKey(ctx, b, "vmctl-"+b.Label, b.SSHKey)
			if err != nil {
				return err
			}
			in.KeyName = aws.String(name)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var created *types.Instance
	err := b.Stage(ctx, "create", fmt.Sprintf("Creating instance '%s'", b.Label), func(ctx context.Context) error {
		res, err := d.client.RunInstances(ctx, in)
		if err != nil {
			return wrap("run instances", err)
		}
		if len(res.Instances) == 0 {
			return fmt.Errorf("run instances returned no instance for %s", b.Label)
		}
		created = &res.Instances[0]
		return b.Created(toInstance(created))
	})
	if err != nil {
		return nil, err
	}
	return toInstance(created), nil
}

// importKey imports key as a key pair named name. A key pair already
// registered under that name is reused as is.
func (d *Driver) importKey(ctx context.Context, b *provider.Build, name, key string) (string, error) {
	res, err := d.client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: []byte(key),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeKeyPair,
			Tags:         []types.Tag{{Key: aws.String(tagManaged), Value: aws.String("vmctl")}},
		}},
	})
	if hasCode(err, codeKeyPairDuplicate) {
		return name, nil
	}
	if err != nil {
		return "", wrap("import key pair", err)
	}
	if b != nil {
		b.Track(backend.Resource{Kind: provider.KindKey, ID: aws.ToString(res.KeyPairId), Label: name})
	}
	return aws.ToString(res.KeyName), nil
}

func (d *Driver) Boot(ctx context.Context, inst *backend.Instance) error {
	_, err := d.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{inst.ID}})
	return wrap("start instance", err)
}

func (d *Driver) Shutdown(ctx context.Context, inst *backend.Instance) error {
	_, err := d.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{inst.ID}})
	return wrap("stop instance", err)
}

// Destroy terminates the instance. Volumes flagged DeleteOnTermination in
// the launch template go with it.
func (d *Driver) Destroy(ctx context.Context, inst *backend.Instance) error {
	_, err := d.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{inst.ID}})
	if err := wrap("terminate instance", err); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func terminated(i *types.Instance) bool {
	return i.State != nil && i.State.Name == types.InstanceStateNameTerminated
}

func tag(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func toInstance(i *types.Instance) *backend.Instance {
	inst := &backend.Instance{
		Label:    tag(i.Tags, tagName),
		ID:       aws.ToString(i.InstanceId),
		Type:     string(i.InstanceType),
		Template: tag(i.Tags, tagTemplate),
	}
	if i.State != nil {
		inst.NativeStatus = string(i.State.Name)
		inst.Status = normalizeStatus(i.State.Name)
	} else {
		inst.Status = backend.StatusUnknown
	}
	if i.Placement != nil {
		inst.Region = aws.ToString(i.Placement.AvailabilityZone)
	}
	if ip := aws.ToString(i.PublicIpAddress); ip != "" {
		inst.Addresses = append(inst.Addresses, ip)
	}
	if ip := aws.ToString(i.PrivateIpAddress); ip != "" {
		inst.Addresses = append(inst.Addresses, ip)
	}
	if i.LaunchTime != nil {
		inst.Created = *i.LaunchTime
	}
	return inst
}

func normalizeStatus(s types.InstanceStateName) backend.Status {
	switch s {
	case types.InstanceStateNamePending:
		return backend.StatusProvisioning
	case types.InstanceStateNameRunning:
		return backend.StatusRunning
	case types.InstanceStateNameStopped:
		return backend.StatusOffline
	case types.InstanceStateNameStopping, types.InstanceStateNameShuttingDown:
		return backend.StatusDeleting
	case types.InstanceStateNameTerminated:
		return backend.StatusAbsent
	}
	return backend.StatusUnknown
}
