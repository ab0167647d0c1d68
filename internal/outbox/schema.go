package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

const (
	// StatusIndex orders queued entries by seq within a status.
	StatusIndex = "status-seq-index"

	tableWaitTimeout = 2 * time.Minute
)

// EnsureTables creates any missing table and waits for it to become active.
func (s *Store) EnsureTables(ctx context.Context) error {
	for _, in := range s.tableDefinitions() {
		_, err := s.client.DescribeTable(ctx, &dyn.DescribeTableInput{TableName: in.TableName})
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			return fmt.Errorf("describe table %s: %w", *in.TableName, err)
		}

		s.log.Info("creating local table", "table", *in.TableName)
		if _, err := s.client.CreateTable(ctx, in); err != nil {
			var inUse *types.ResourceInUseException
			if !errors.As(err, &inUse) {
				return fmt.Errorf("create table %s: %w", *in.TableName, err)
			}
		}
		waiter := dyn.NewTableExistsWaiter(s.client)
		if err := waiter.Wait(ctx, &dyn.DescribeTableInput{TableName: in.TableName}, tableWaitTimeout); err != nil {
			return fmt.Errorf("wait for table %s: %w", *in.TableName, err)
		}
	}
	return nil
}

func (s *Store) tableDefinitions() []*dyn.CreateTableInput {
	stringKey := func(table, key string) *dyn.CreateTableInput {
		return &dyn.CreateTableInput{
			TableName:   awsString(table),
			BillingMode: types.BillingModePayPerRequest,
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: awsString(key), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: awsString(key), KeyType: types.KeyTypeHash},
			},
		}
	}

	queue := &dyn.CreateTableInput{
		TableName:   awsString(s.tables.Queue),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: awsString(attrSeq), AttributeType: types.ScalarAttributeTypeN},
			{AttributeName: awsString(attrStatus), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: awsString(attrSeq), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: awsString(StatusIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: awsString(attrStatus), KeyType: types.KeyTypeHash},
				{AttributeName: awsString(attrSeq), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
	}

	return []*dyn.CreateTableInput{
		stringKey(s.tables.Products, hashKey(TableProducts)),
		stringKey(s.tables.Orders, hashKey(TableOrders)),
		queue,
	}
}

func isNotFound(err error) bool {
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException"
}
