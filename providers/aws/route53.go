package aws

import (
	"context"
	"fmt"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
)

// DefaultRecordTTL is used for validation and target records.
const DefaultRecordTTL = 300

// DNSRecord is a single-value record set.
type DNSRecord struct {
	Name  string
	Type  string
	Value string
	TTL   int64
}

// BindingRecords returns the certificate validation records plus a CNAME
// pointing the domain at the service's DNS target.
func BindingRecords(b Binding) []DNSRecord {
	records := make([]DNSRecord, 0, len(b.ValidationRecords)+1)
	records = append(records, b.ValidationRecords...)
	if b.DNSTarget != "" {
		records = append(records, DNSRecord{Name: b.Domain, Type: "CNAME", Value: b.DNSTarget})
	}
	return records
}

// UpsertRecords writes records to the hosted zone in one change batch.
func (p *Provider) UpsertRecords(ctx context.Context, zoneID string, records []DNSRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := p.ensureClient(ctx); err != nil {
		return err
	}
	changes := make([]types.Change, 0, len(records))
	for _, r := range records {
		ttl := r.TTL
		if ttl == 0 {
			ttl = DefaultRecordTTL
		}
		changes = append(changes, types.Change{
			Action: types.ChangeActionUpsert,
			ResourceRecordSet: &types.ResourceRecordSet{
				Name:            awssdk.String(fqdn(r.Name)),
				Type:            types.RRType(r.Type),
				TTL:             awssdk.Int64(ttl),
				ResourceRecords: []types.ResourceRecord{{Value: awssdk.String(r.Value)}},
			},
		})
	}
	_, err := p.route53Client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: awssdk.String(zoneID),
		ChangeBatch: &types.ChangeBatch{
			Comment: awssdk.String("recoverctl domain binding records"),
			Changes: changes,
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %d records in zone %s: %w", len(records), zoneID, classify(err))
	}
	return nil
}

func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
