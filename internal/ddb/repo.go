// Package ddb provides a repository for audio records and upload quotas
// backed by DynamoDB.
package ddb

import (
	"context"
	"errors"
	"fmt"

	"github.com/kylejryan/audio-transcription-portal/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API is the subset of the DynamoDB client the repository uses. Tests
// substitute a fake.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Repo wraps a DynamoDB client with the audio and quota table names.
type Repo struct {
	DB         API
	AudioTable string
	QuotaTable string
}

func keyAttrs(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// Get fetches a record by owner and audio id.
func (r *Repo) Get(ctx context.Context, userID, audioID string) (models.AudioRecord, error) {
	pk, sk := MakeAudioKeys(userID, audioID)
	out, err := r.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &r.AudioTable,
		Key:       keyAttrs(pk, sk),
	})
	if err != nil {
		return models.AudioRecord{}, fmt.Errorf("get audio %s: %w", audioID, err)
	}
	if len(out.Item) == 0 {
		return models.AudioRecord{}, models.ErrNotFound
	}
	var rec models.AudioRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return models.AudioRecord{}, err
	}
	return rec, nil
}

// GetByID fetches a record by audio id alone via the GSI. Used by the
// callback receiver, which does not know the owner.
func (r *Repo) GetByID(ctx context.Context, audioID string) (models.AudioRecord, error) {
	out, err := r.DB.Query(ctx, &dynamodb.QueryInput{
		TableName:                 &r.AudioTable,
		IndexName:                 awsStr(ByIDIndex),
		KeyConditionExpression:    awsStr("audio_id = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":id": &types.AttributeValueMemberS{Value: audioID}},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return models.AudioRecord{}, fmt.Errorf("query audio %s: %w", audioID, err)
	}
	if len(out.Items) == 0 {
		return models.AudioRecord{}, models.ErrNotFound
	}
	var rec models.AudioRecord
	if err := attributevalue.UnmarshalMap(out.Items[0], &rec); err != nil {
		return models.AudioRecord{}, err
	}
	return rec, nil
}

// ListByUser returns the owner's records, newest first. An empty status
// lists all of them.
func (r *Repo) ListByUser(ctx context.Context, userID string, status models.AudioStatus, limit int32) ([]models.AudioRecord, error) {
	pk, _ := MakeAudioKeys(userID, "")
	in := &dynamodb.QueryInput{
		TableName:              &r.AudioTable,
		KeyConditionExpression: awsStr("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: "AUDIO#"},
		},
		ScanIndexForward: aws.Bool(false), // ULID sort keys: newest last lexically
		Limit:            aws.Int32(limit),
	}
	if status != "" {
		in.FilterExpression = awsStr("#st = :st")
		in.ExpressionAttributeNames = map[string]string{"#st": "status"}
		in.ExpressionAttributeValues[":st"] = &types.AttributeValueMemberS{Value: string(status)}
	}
	out, err := r.DB.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("list audios for %s: %w", userID, err)
	}
	var recs []models.AudioRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// ListAll scans every record, optionally filtered by status and owner.
// Privileged surface only.
func (r *Repo) ListAll(ctx context.Context, status models.AudioStatus, userID string, limit int32) ([]models.AudioRecord, error) {
	in := &dynamodb.ScanInput{
		TableName: &r.AudioTable,
		Limit:     aws.Int32(limit),
	}
	filter := ""
	values := map[string]types.AttributeValue{}
	names := map[string]string{}
	if status != "" {
		filter = "#st = :st"
		names["#st"] = "status"
		values[":st"] = &types.AttributeValueMemberS{Value: string(status)}
	}
	if userID != "" {
		if filter != "" {
			filter += " AND "
		}
		filter += "user_id = :uid"
		values[":uid"] = &types.AttributeValueMemberS{Value: userID}
	}
	if filter != "" {
		in.FilterExpression = &filter
		in.ExpressionAttributeValues = values
		if len(names) > 0 {
			in.ExpressionAttributeNames = names
		}
	}
	out, err := r.DB.Scan(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("scan audios: %w", err)
	}
	var recs []models.AudioRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// MarkProcessing transitions a record to PROCESSING before the transcription
// request goes out. Valid from PENDING and, for queue redeliveries, from
// PROCESSING itself; processing_started is only set the first time.
func (r *Repo) MarkProcessing(ctx context.Context, userID, audioID string) error {
	pk, sk := MakeAudioKeys(userID, audioID)
	now := NowISO()
	_, err := r.DB.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &r.AudioTable,
		Key:                 keyAttrs(pk, sk),
		ConditionExpression: awsStr("#st IN (:pending, :processing)"),
		UpdateExpression:    awsStr("SET #st = :processing, updated_at = :now, processing_started = if_not_exists(processing_started, :now)"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":    &types.AttributeValueMemberS{Value: string(models.StatusPending)},
			":processing": &types.AttributeValueMemberS{Value: string(models.StatusProcessing)},
			":now":        &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return models.ErrTerminal
		}
		return fmt.Errorf("mark processing %s: %w", audioID, err)
	}
	return nil
}

// Complete applies a successful transcription result. The condition guards
// the terminal-state invariant: a record already DONE or ERROR is left
// untouched and models.ErrTerminal is returned.
func (r *Repo) Complete(ctx context.Context, userID, audioID, text, transcriptKey, transcriptURL string, duration float64) error {
	pk, sk := MakeAudioKeys(userID, audioID)
	now := NowISO()
	_, err := r.DB.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &r.AudioTable,
		Key:                 keyAttrs(pk, sk),
		ConditionExpression: awsStr("#st <> :done AND #st <> :err"),
		UpdateExpression: awsStr("SET #st = :done, transcription_text = :text, transcript_key = :tk, transcript_url = :turl, " +
			"duration_seconds = :dur, updated_at = :now, processing_finished = :now"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: string(models.StatusDone)},
			":err":  &types.AttributeValueMemberS{Value: string(models.StatusError)},
			":text": &types.AttributeValueMemberS{Value: text},
			":tk":   &types.AttributeValueMemberS{Value: transcriptKey},
			":turl": &types.AttributeValueMemberS{Value: transcriptURL},
			":dur":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%g", duration)},
			":now":  &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return models.ErrTerminal
		}
		return fmt.Errorf("complete %s: %w", audioID, err)
	}
	return nil
}

// Fail transitions a record to ERROR with a human-readable message. Same
// terminal guard as Complete.
func (r *Repo) Fail(ctx context.Context, userID, audioID, msg string) error {
	pk, sk := MakeAudioKeys(userID, audioID)
	now := NowISO()
	_, err := r.DB.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &r.AudioTable,
		Key:                 keyAttrs(pk, sk),
		ConditionExpression: awsStr("#st <> :done AND #st <> :err"),
		UpdateExpression:    awsStr("SET #st = :error, error_message = :msg, updated_at = :now, processing_finished = :now"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done":  &types.AttributeValueMemberS{Value: string(models.StatusDone)},
			":err":   &types.AttributeValueMemberS{Value: string(models.StatusError)},
			":error": &types.AttributeValueMemberS{Value: string(models.StatusError)},
			":msg":   &types.AttributeValueMemberS{Value: msg},
			":now":   &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return models.ErrTerminal
		}
		return fmt.Errorf("fail %s: %w", audioID, err)
	}
	return nil
}

// Delete removes a record. Missing records map to models.ErrNotFound.
func (r *Repo) Delete(ctx context.Context, userID, audioID string) error {
	pk, sk := MakeAudioKeys(userID, audioID)
	_, err := r.DB.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           &r.AudioTable,
		Key:                 keyAttrs(pk, sk),
		ConditionExpression: awsStr("attribute_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return models.ErrNotFound
		}
		return fmt.Errorf("delete %s: %w", audioID, err)
	}
	return nil
}

// StatusCounts tallies records by status. An empty userID tallies globally.
func (r *Repo) StatusCounts(ctx context.Context, userID string) (models.StatusCounts, error) {
	var counts models.StatusCounts
	tally := func(items []map[string]types.AttributeValue) error {
		var recs []struct {
			Status models.AudioStatus `dynamodbav:"status"`
		}
		if err := attributevalue.UnmarshalListOfMaps(items, &recs); err != nil {
			return err
		}
		for _, rec := range recs {
			counts.Total++
			switch rec.Status {
			case models.StatusPending:
				counts.Pending++
			case models.StatusProcessing:
				counts.Processing++
			case models.StatusDone:
				counts.Done++
			case models.StatusError:
				counts.Error++
			}
		}
		return nil
	}

	if userID != "" {
		pk, _ := MakeAudioKeys(userID, "")
		var startKey map[string]types.AttributeValue
		for {
			out, err := r.DB.Query(ctx, &dynamodb.QueryInput{
				TableName:              &r.AudioTable,
				KeyConditionExpression: awsStr("PK = :pk AND begins_with(SK, :prefix)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk":     &types.AttributeValueMemberS{Value: pk},
					":prefix": &types.AttributeValueMemberS{Value: "AUDIO#"},
				},
				ProjectionExpression:     awsStr("#st"),
				ExpressionAttributeNames: map[string]string{"#st": "status"},
				ExclusiveStartKey:        startKey,
			})
			if err != nil {
				return counts, fmt.Errorf("count audios for %s: %w", userID, err)
			}
			if err := tally(out.Items); err != nil {
				return counts, err
			}
			if len(out.LastEvaluatedKey) == 0 {
				break
			}
			startKey = out.LastEvaluatedKey
		}
		return counts, nil
	}

	var startKey map[string]types.AttributeValue
	for {
		out, err := r.DB.Scan(ctx, &dynamodb.ScanInput{
			TableName:                &r.AudioTable,
			ProjectionExpression:     awsStr("#st"),
			ExpressionAttributeNames: map[string]string{"#st": "status"},
			ExclusiveStartKey:        startKey,
		})
		if err != nil {
			return counts, fmt.Errorf("count audios: %w", err)
		}
		if err := tally(out.Items); err != nil {
			return counts, err
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return counts, nil
}
