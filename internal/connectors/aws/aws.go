package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	identitystoretypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssoadmintypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/aws/smithy-go"
	"github.com/open-sspm/open-connect/internal/connectors/configstore"
)

const defaultHTTPTimeout = 60 * time.Second

// ErrAccessDenied is returned when AWS rejects the credentials or they lack
// Identity Center permissions.
var ErrAccessDenied = errors.New("aws rejected the credentials")

// User is an IAM Identity Center user.
type User struct {
	ID          string
	Email       string
	DisplayName string
	RawJSON     []byte
}

// Instance is an IAM Identity Center instance.
type Instance struct {
	Arn             string
	IdentityStoreID string
	Name            string
	OwnerAccountID  string
	RawJSON         []byte
}

type Client struct {
	region          string
	instanceArn     string
	identityStoreID string

	ssoadmin      ssoAdminAPI
	identitystore identityStoreAPI
}

type ssoAdminAPI interface {
	ListInstances(context.Context, *ssoadmin.ListInstancesInput, ...func(*ssoadmin.Options)) (*ssoadmin.ListInstancesOutput, error)
}

type identityStoreAPI interface {
	ListUsers(context.Context, *identitystore.ListUsersInput, ...func(*identitystore.Options)) (*identitystore.ListUsersOutput, error)
}

// New loads an AWS config for cfg and settings. The default chain is used
// unless the settings carry static keys.
func New(ctx context.Context, cfg configstore.AWSConfig, settings configstore.AWSSettings, httpClient *http.Client) (*Client, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	settings = settings.Normalized()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if settings.AuthType == configstore.AWSAuthTypeAccessKey {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			settings.AccessKeyID,
			settings.SecretAccessKey,
			settings.SessionToken,
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	sso := ssoadmin.NewFromConfig(awsCfg, func(o *ssoadmin.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	ids := identitystore.NewFromConfig(awsCfg, func(o *identitystore.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClients(cfg, sso, ids)
}

func NewWithClients(cfg configstore.AWSConfig, sso ssoAdminAPI, identity identityStoreAPI) (*Client, error) {
	cfg = cfg.Normalized()
	if cfg.Region == "" {
		return nil, errors.New("aws region is required")
	}
	return &Client{
		region:        cfg.Region,
		instanceArn:   cfg.InstanceARN,
		ssoadmin:      sso,
		identitystore: identity,
	}, nil
}

// ListInstances returns every Identity Center instance visible to the
// credentials.
func (c *Client) ListInstances(ctx context.Context) ([]Instance, error) {
	var out []Instance
	var token *string
	for {
		resp, err := c.ssoadmin.ListInstances(ctx, &ssoadmin.ListInstancesInput{NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("list aws identity center instances: %w", classify(err))
		}
		for _, inst := range resp.Instances {
			out = append(out, mapInstance(inst))
		}
		if resp.NextToken == nil || aws.ToString(resp.NextToken) == "" {
			break
		}
		token = resp.NextToken
	}
	return out, nil
}

// ResolveInstance picks the configured instance, or the only one there is.
func (c *Client) ResolveInstance(ctx context.Context) (Instance, error) {
	instances, err := c.ListInstances(ctx)
	if err != nil {
		return Instance{}, err
	}
	if len(instances) == 0 {
		return Instance{}, errors.New("no aws identity center instances found")
	}
	if c.instanceArn != "" {
		for _, inst := range instances {
			if inst.Arn == c.instanceArn {
				c.identityStoreID = inst.IdentityStoreID
				return inst, nil
			}
		}
		return Instance{}, fmt.Errorf("aws identity center instance %s not found", c.instanceArn)
	}
	if len(instances) > 1 {
		return Instance{}, errors.New("multiple aws identity center instances found; set instance_arn")
	}
	inst := instances[0]
	if inst.Arn == "" || inst.IdentityStoreID == "" {
		return Instance{}, errors.New("aws identity center instance metadata missing InstanceArn or IdentityStoreId")
	}
	c.instanceArn, c.identityStoreID = inst.Arn, inst.IdentityStoreID
	return inst, nil
}

// ListUsers returns one page of identity store users and the token for the
// next, empty on the last page.
func (c *Client) ListUsers(ctx context.Context, nextToken string) ([]User, string, error) {
	if c.identityStoreID == "" {
		if _, err := c.ResolveInstance(ctx); err != nil {
			return nil, "", err
		}
	}
	in := &identitystore.ListUsersInput{IdentityStoreId: aws.String(c.identityStoreID)}
	if nextToken != "" {
		in.NextToken = aws.String(nextToken)
	}
	resp, err := c.identitystore.ListUsers(ctx, in)
	if err != nil {
		return nil, "", fmt.Errorf("list aws identity store users: %w", classify(err))
	}
	out := make([]User, 0, len(resp.Users))
	for _, u := range resp.Users {
		userID := strings.TrimSpace(aws.ToString(u.UserId))
		display := strings.TrimSpace(aws.ToString(u.DisplayName))
		if display == "" {
			display = strings.TrimSpace(aws.ToString(u.UserName))
		}
		if display == "" {
			display = userID
		}
		out = append(out, User{
			ID:          userID,
			Email:       firstNonEmptyEmail(u.Emails),
			DisplayName: display,
			RawJSON: marshalJSON(map[string]any{
				"id":           userID,
				"user_name":    aws.ToString(u.UserName),
				"display_name": display,
				"email":        firstNonEmptyEmail(u.Emails),
			}),
		})
	}
	return out, aws.ToString(resp.NextToken), nil
}

func mapInstance(inst ssoadmintypes.InstanceMetadata) Instance {
	out := Instance{
		Arn:             strings.TrimSpace(aws.ToString(inst.InstanceArn)),
		IdentityStoreID: strings.TrimSpace(aws.ToString(inst.IdentityStoreId)),
		Name:            strings.TrimSpace(aws.ToString(inst.Name)),
		OwnerAccountID:  strings.TrimSpace(aws.ToString(inst.OwnerAccountId)),
	}
	out.RawJSON = marshalJSON(map[string]any{
		"instance_arn":      out.Arn,
		"identity_store_id": out.IdentityStoreID,
		"name":              out.Name,
		"owner_account_id":  out.OwnerAccountID,
		"status":            string(inst.Status),
	})
	return out
}

// classify marks credential and permission failures with ErrAccessDenied.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "AccessDeniedException", "UnrecognizedClientException", "InvalidClientTokenId",
		"ExpiredTokenException", "InvalidSignatureException", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	return err
}

func firstNonEmptyEmail(emails []identitystoretypes.Email) string {
	for _, email := range emails {
		if value := strings.TrimSpace(aws.ToString(email.Value)); value != "" {
			return value
		}
	}
	return ""
}

func marshalJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
