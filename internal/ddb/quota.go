package ddb

import (
	"context"
	"errors"
	"fmt"

	"github.com/kylejryan/audio-transcription-portal/internal/models"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const conditionalCheckFailed = "ConditionalCheckFailed"

// CheckAndReserve admits one upload: it increments the owner's quota entry
// for the day and creates the PENDING record in a single transaction, so a
// crash between the two can never under- or over-count. The quota update is
// conditional on count < max; ADD upserts the entry, which makes concurrent
// first-uploads-of-the-day safe without a separate create step.
//
// Returns models.ErrQuotaExceeded when the limit is reached. That is a
// normal admission outcome, not a fault.
func (r *Repo) CheckAndReserve(ctx context.Context, rec models.AudioRecord, day string, max int) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return err
	}
	qpk, qsk := MakeQuotaKeys(rec.UserID, day)

	_, err = r.DB.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           &r.QuotaTable,
					Key:                 keyAttrs(qpk, qsk),
					ConditionExpression: awsStr("attribute_not_exists(#c) OR #c < :max"),
					UpdateExpression:    awsStr("ADD #c :one SET user_id = :uid, #d = :day"),
					ExpressionAttributeNames: map[string]string{
						"#c": "count",
						"#d": "day",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one": &types.AttributeValueMemberN{Value: "1"},
						":max": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", max)},
						":uid": &types.AttributeValueMemberS{Value: rec.UserID},
						":day": &types.AttributeValueMemberS{Value: day},
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           &r.AudioTable,
					Item:                item,
					ConditionExpression: awsStr("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && len(tce.CancellationReasons) > 0 {
			reason := tce.CancellationReasons[0]
			if reason.Code != nil && *reason.Code == conditionalCheckFailed {
				return models.ErrQuotaExceeded
			}
		}
		return fmt.Errorf("reserve upload for %s: %w", rec.UserID, err)
	}
	return nil
}

// QuotaCount reads the owner's upload count for a day. Missing entry means
// zero.
func (r *Repo) QuotaCount(ctx context.Context, userID, day string) (int, error) {
	pk, sk := MakeQuotaKeys(userID, day)
	out, err := r.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &r.QuotaTable,
		Key:       keyAttrs(pk, sk),
	})
	if err != nil {
		return 0, fmt.Errorf("get quota for %s: %w", userID, err)
	}
	if len(out.Item) == 0 {
		return 0, nil
	}
	var entry models.QuotaEntry
	if err := attributevalue.UnmarshalMap(out.Item, &entry); err != nil {
		return 0, err
	}
	return entry.Count, nil
}
