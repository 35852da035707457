package infra

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/relayhq/modmail/domain/model"
)

type DynamoDB struct {
	db *dynamodb.Client
}

var tableNamePrefix = "modmail"
var ticketTableName = tableNamePrefix + "_tickets"
var responseTableName = tableNamePrefix + "_ticket_responses"
var timeoutTableName = tableNamePrefix + "_timeouts"

// 採番用アイテムのキー。ticket_id=0 は実チケットでは使わない
const counterItemID = "0"

func NewDynamoDB() (*DynamoDB, error) {
	if os.Getenv("DYNAMO_TABLE_NAME_PREFIX") != "" {
		tableNamePrefix = os.Getenv("DYNAMO_TABLE_NAME_PREFIX")
		ticketTableName = tableNamePrefix + "_tickets"
		responseTableName = tableNamePrefix + "_ticket_responses"
		timeoutTableName = tableNamePrefix + "_timeouts"
	}
	var db *dynamodb.Client
	if os.Getenv("DYNAMO_LOCAL") != "" {
		cfg, err := config.LoadDefaultConfig(context.TODO(),
			config.WithRegion("dummy"),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "dummy")),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %v", err)
		}

		db = dynamodb.NewFromConfig(cfg,
			func(o *dynamodb.Options) {
				o.BaseEndpoint = aws.String("http://localhost:8000")
			},
		)
	} else {
		cfg, err := config.LoadDefaultConfig(context.TODO())
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %v", err)
		}

		db = dynamodb.NewFromConfig(cfg)
	}
	d := &DynamoDB{
		db: db,
	}
	if os.Getenv("DYNAMO_LOCAL") != "" {
		if err := d.EnsureTable(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

const (
	waitInterval = 2 * time.Second // ポーリング間隔
	maxRetries   = 30              // 最大リトライ回数 (30回 = 約1分)
)

func (d *DynamoDB) EnsureTable() error {
	tableNames := []string{
		ticketTableName,
		responseTableName,
		timeoutTableName,
	}

	for _, tableName := range tableNames {
		if err := d.ensureSingleTable(tableName); err != nil {
			return fmt.Errorf("failed to ensure table %s: %v", tableName, err)
		}
	}

	return nil
}

func (d *DynamoDB) ensureSingleTable(tableName string) error {
	_, err := d.db.DescribeTable(context.TODO(), &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err == nil {
		// テーブルが既に存在する
		return nil
	}

	// テーブルを作成
	err = d.createTable(tableName)
	if err != nil {
		return err
	}

	// テーブルがACTIVEになるまで待機
	for i := 0; i < maxRetries; i++ {
		out, err := d.db.DescribeTable(context.TODO(), &dynamodb.DescribeTableInput{
			TableName: aws.String(tableName),
		})
		if err != nil {
			return fmt.Errorf("failed to describe table %s: %v", tableName, err)
		}

		if out.Table.TableStatus == types.TableStatusActive {
			return nil
		}

		time.Sleep(waitInterval)
	}

	return fmt.Errorf("table %s creation timed out", tableName)
}

func (d *DynamoDB) createTable(tableName string) error {
	var createTableInput *dynamodb.CreateTableInput

	throughput := &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(5),
		WriteCapacityUnits: aws.Int64(5),
	}

	switch tableName {
	case ticketTableName:
		createTableInput = &dynamodb.CreateTableInput{
			TableName: aws.String(tableName),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("ticket_id"), AttributeType: types.ScalarAttributeTypeN},
				{AttributeName: aws.String("user_id"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("open"), AttributeType: types.ScalarAttributeTypeN},
				{AttributeName: aws.String("display_message_ts"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("ticket_id"), KeyType: types.KeyTypeHash},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				{
					IndexName: aws.String("UserOpenIndex"),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: aws.String("user_id"), KeyType: types.KeyTypeHash},
						{AttributeName: aws.String("open"), KeyType: types.KeyTypeRange},
					},
					Projection:            &types.Projection{ProjectionType: types.ProjectionTypeAll},
					ProvisionedThroughput: throughput,
				},
				{
					IndexName: aws.String("DisplayMessageIndex"),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: aws.String("display_message_ts"), KeyType: types.KeyTypeHash},
					},
					Projection:            &types.Projection{ProjectionType: types.ProjectionTypeAll},
					ProvisionedThroughput: throughput,
				},
			},
			ProvisionedThroughput: throughput,
		}
	case responseTableName:
		createTableInput = &dynamodb.CreateTableInput{
			TableName: aws.String(tableName),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("ticket_id"), AttributeType: types.ScalarAttributeTypeN},
				{AttributeName: aws.String("response_id"), AttributeType: types.ScalarAttributeTypeN},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("ticket_id"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("response_id"), KeyType: types.KeyTypeRange},
			},
			ProvisionedThroughput: throughput,
		}
	case timeoutTableName:
		createTableInput = &dynamodb.CreateTableInput{
			TableName: aws.String(tableName),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("user_id"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("user_id"), KeyType: types.KeyTypeHash},
			},
			ProvisionedThroughput: throughput,
		}
	default:
		return fmt.Errorf("unknown table name: %s", tableName)
	}

	_, err := d.db.CreateTable(context.TODO(), createTableInput)
	if err != nil {
		return fmt.Errorf("failed to create table %s: %v", tableName, err)
	}

	return nil
}

// ADD による原子的な採番
func (d *DynamoDB) nextID(counterAttr string) (uint, error) {
	out, err := d.db.UpdateItem(context.TODO(), &dynamodb.UpdateItemInput{
		TableName: aws.String(ticketTableName),
		Key: map[string]types.AttributeValue{
			"ticket_id": &types.AttributeValueMemberN{Value: counterItemID},
		},
		UpdateExpression: aws.String("ADD #c :one"),
		ExpressionAttributeNames: map[string]string{
			"#c": counterAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, err
	}
	v, ok := out.Attributes[counterAttr].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("failed to read counter %s", counterAttr)
	}
	id, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// DynamoDB バックエンドは部分一意インデックスを持たないため、
// オープン中チケットの一意性は呼び出し側の GetTicketByUser チェックに依存する
func (d *DynamoDB) CreateTicket(userID string) (uint, error) {
	id, err := d.nextID("next_ticket_id")
	if err != nil {
		return 0, err
	}
	ticket := model.Ticket{
		ID:        id,
		UserID:    userID,
		Open:      true,
		CreatedAt: timeNow(),
	}
	return id, d.putTicket(&ticket)
}

func (d *DynamoDB) putTicket(ticket *model.Ticket) error {
	_, err := d.db.PutItem(context.TODO(), &dynamodb.PutItemInput{
		TableName: aws.String(ticketTableName),
		Item:      ticketItem(ticket),
	})
	return err
}

func ticketItem(ticket *model.Ticket) map[string]types.AttributeValue {
	open := 0
	if ticket.Open {
		open = 1
	}
	closedAt := ""
	if !ticket.ClosedAt.IsZero() {
		closedAt = ticket.ClosedAt.Format(time.RFC3339)
	}
	item := map[string]types.AttributeValue{
		"ticket_id":  &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(ticket.ID), 10)},
		"user_id":    &types.AttributeValueMemberS{Value: ticket.UserID},
		"open":       &types.AttributeValueMemberN{Value: strconv.Itoa(open)},
		"created_at": &types.AttributeValueMemberS{Value: ticket.CreatedAt.Format(time.RFC3339)},
		"closed_at":  &types.AttributeValueMemberS{Value: closedAt},
	}
	// DisplayMessageIndex のキー属性は空文字を受け付けないので、
	// 未表示のチケットは属性ごと省く (疎なGSIとして扱う)
	if ticket.DisplayMessageTS != "" {
		item["display_message_ts"] = &types.AttributeValueMemberS{Value: ticket.DisplayMessageTS}
	}
	return item
}

func (d *DynamoDB) GetTicket(id uint) (*model.Ticket, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(ticketTableName),
		Key: map[string]types.AttributeValue{
			"ticket_id": &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(id), 10)},
		},
	}

	result, err := d.db.GetItem(context.TODO(), input)
	if err != nil {
		return nil, err
	}

	if result.Item == nil {
		return nil, nil
	}
	return ticketFromItem(result.Item)
}

func (d *DynamoDB) GetTicketByUser(userID string) (*model.Ticket, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(ticketTableName),
		IndexName:              aws.String("UserOpenIndex"),
		KeyConditionExpression: aws.String("user_id = :user_id AND #open = :open"),
		ExpressionAttributeNames: map[string]string{
			"#open": "open",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":user_id": &types.AttributeValueMemberS{Value: userID},
			":open":    &types.AttributeValueMemberN{Value: "1"},
		},
		Limit: aws.Int32(1),
	}

	result, err := d.db.Query(context.TODO(), input)
	if err != nil {
		return nil, err
	}
	if len(result.Items) == 0 {
		return nil, nil
	}
	return ticketFromItem(result.Items[0])
}

func (d *DynamoDB) GetTicketByDisplayMessage(ts string) (*model.Ticket, error) {
	if ts == "" {
		return nil, nil
	}
	input := &dynamodb.QueryInput{
		TableName:              aws.String(ticketTableName),
		IndexName:              aws.String("DisplayMessageIndex"),
		KeyConditionExpression: aws.String("display_message_ts = :ts"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts": &types.AttributeValueMemberS{Value: ts},
		},
		Limit: aws.Int32(1),
	}

	result, err := d.db.Query(context.TODO(), input)
	if err != nil {
		return nil, err
	}
	if len(result.Items) == 0 {
		return nil, nil
	}
	return ticketFromItem(result.Items[0])
}

func (d *DynamoDB) SetDisplayMessage(id uint, ts string) (bool, error) {
	ticket, err := d.GetTicket(id)
	if err != nil {
		return false, err
	}
	if ticket == nil {
		return false, nil
	}
	ticket.DisplayMessageTS = ts
	return true, d.putTicket(ticket)
}

func (d *DynamoDB) CloseTicket(id uint) (bool, error) {
	ticket, err := d.GetTicket(id)
	if err != nil {
		return false, err
	}
	if ticket == nil {
		return false, nil
	}
	ticket.Open = false
	ticket.ClosedAt = timeNow()
	return true, d.putTicket(ticket)
}

func (d *DynamoDB) AppendResponse(ticketID uint, authorID, body string, asServer bool) (uint, error) {
	id, err := d.nextID("next_response_id")
	if err != nil {
		return 0, err
	}
	server := 0
	if asServer {
		server = 1
	}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(responseTableName),
		Item: map[string]types.AttributeValue{
			"ticket_id":   &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(ticketID), 10)},
			"response_id": &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(id), 10)},
			"author_id":   &types.AttributeValueMemberS{Value: authorID},
			"body":        &types.AttributeValueMemberS{Value: body},
			"as_server":   &types.AttributeValueMemberN{Value: strconv.Itoa(server)},
			"created_at":  &types.AttributeValueMemberS{Value: timeNow().Format(time.RFC3339)},
		},
	}

	_, err = d.db.PutItem(context.TODO(), input)
	return id, err
}

func (d *DynamoDB) ListResponses(ticketID uint) ([]model.TicketResponse, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(responseTableName),
		KeyConditionExpression: aws.String("ticket_id = :ticket_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ticket_id": &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(ticketID), 10)},
		},
		ScanIndexForward: aws.Bool(true),
	}

	result, err := d.db.Query(context.TODO(), input)
	if err != nil {
		return nil, err
	}

	var responses []model.TicketResponse
	for _, item := range result.Items {
		createdAtStr := getStringValue(item, "created_at")
		createdAt, err := time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at (%s): %v", createdAtStr, err)
		}
		responseID, err := getNumberValue(item, "response_id")
		if err != nil {
			return nil, err
		}
		asServer, err := getNumberValue(item, "as_server")
		if err != nil {
			return nil, err
		}
		responses = append(responses, model.TicketResponse{
			ID:        uint(responseID),
			TicketID:  ticketID,
			AuthorID:  getStringValue(item, "author_id"),
			Body:      getStringValue(item, "body"),
			AsServer:  asServer == 1,
			CreatedAt: createdAt,
		})
	}

	// range キーは応答IDなので表示用に時刻で並べ直す
	sort.Slice(responses, func(i, j int) bool {
		if responses[i].CreatedAt.Equal(responses[j].CreatedAt) {
			return responses[i].ID < responses[j].ID
		}
		return responses[i].CreatedAt.Before(responses[j].CreatedAt)
	})
	return responses, nil
}

func (d *DynamoDB) GetTimeout(userID string) (*model.Timeout, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(timeoutTableName),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	}

	result, err := d.db.GetItem(context.TODO(), input)
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, nil
	}

	expiresAtStr := getStringValue(result.Item, "expires_at")
	expiresAt, err := time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expires_at (%s): %v", expiresAtStr, err)
	}

	return &model.Timeout{
		UserID:    getStringValue(result.Item, "user_id"),
		ExpiresAt: expiresAt,
	}, nil
}

func (d *DynamoDB) SetTimeout(userID string, expiresAt time.Time) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(timeoutTableName),
		Item: map[string]types.AttributeValue{
			"user_id":    &types.AttributeValueMemberS{Value: userID},
			"expires_at": &types.AttributeValueMemberS{Value: expiresAt.Format(time.RFC3339)},
			"created_at": &types.AttributeValueMemberS{Value: timeNow().Format(time.RFC3339)},
		},
	}

	_, err := d.db.PutItem(context.TODO(), input)
	return err
}

func ticketFromItem(item map[string]types.AttributeValue) (*model.Ticket, error) {
	id, err := getNumberValue(item, "ticket_id")
	if err != nil {
		return nil, err
	}
	open, err := getNumberValue(item, "open")
	if err != nil {
		return nil, err
	}
	createdAtStr := getStringValue(item, "created_at")
	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at (%s): %v", createdAtStr, err)
	}
	closedAt := time.Time{}
	if closedAtStr := getStringValue(item, "closed_at"); closedAtStr != "" {
		closedAt, err = time.Parse(time.RFC3339, closedAtStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse closed_at (%s): %v", closedAtStr, err)
		}
	}

	return &model.Ticket{
		ID:               uint(id),
		UserID:           getStringValue(item, "user_id"),
		Open:             open == 1,
		DisplayMessageTS: getStringValue(item, "display_message_ts"),
		CreatedAt:        createdAt,
		ClosedAt:         closedAt,
	}, nil
}

func getStringValue(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getNumberValue(item map[string]types.AttributeValue, key string) (int, error) {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		return strconv.Atoi(v.Value)

	}
	return 0, fmt.Errorf("failed to parse %s", key)
}
