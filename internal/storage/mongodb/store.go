// Package mongodb implements the PMode document and payload stores using
// MongoDB
package mongodb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/resolver"
)

// Store keeps PMode documents in a collection and payloads in GridFS
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	gridfs *gridfs.Bucket

	configurations *mongo.Collection

	pollInterval time.Duration
	logger       *slog.Logger
}

var (
	_ resolver.ConfigurationStore  = (*Store)(nil)
	_ storage.ConfigurationHistory = (*Store)(nil)
	_ storage.PayloadStore         = (*Store)(nil)
)

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
	// PollInterval is used by WatchConfigurations when change streams
	// are not available
	PollInterval time.Duration
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "payloads"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	s := &Store{
		client:         client,
		db:             db,
		gridfs:         bucket,
		configurations: db.Collection("pmode_configurations"),
		pollInterval:   poll,
		logger:         logger.With("component", "mongodb"),
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.configurations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating configuration indexes: %w", err)
	}
	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// ConfigurationStore implementation

type configurationDoc struct {
	ID          primitive.ObjectID `bson:"_id"`
	Description string             `bson:"description"`
	Raw         []byte             `bson:"raw"`
	Size        int                `bson:"size"`
	CreatedAt   time.Time          `bson:"created_at"`
}

func (d *configurationDoc) info() storage.ConfigurationInfo {
	return storage.ConfigurationInfo{
		ID:          d.ID.Hex(),
		Description: d.Description,
		Size:        d.Size,
		CreatedAt:   d.CreatedAt,
	}
}

var newestFirst = bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}

func (s *Store) LoadConfiguration(ctx context.Context) (*pmode.Configuration, error) {
	var doc configurationDoc
	err := s.configurations.FindOne(ctx, bson.M{}, options.FindOne().SetSort(newestFirst)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, pmode.ErrConfigurationMissing
	}
	if err != nil {
		return nil, fmt.Errorf("loading PMode configuration: %w", err)
	}
	return storage.DecodeConfiguration(doc.Raw)
}

// PersistConfiguration inserts raw as the newest document. cfg is not
// needed; documents are parsed again on load.
func (s *Store) PersistConfiguration(ctx context.Context, raw []byte, description string, _ *pmode.Configuration) error {
	doc := configurationDoc{
		ID:          primitive.NewObjectID(),
		Description: description,
		Raw:         raw,
		Size:        len(raw),
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := s.configurations.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("storing PMode configuration: %w", err)
	}
	return nil
}

func (s *Store) ConfigurationExists(ctx context.Context) (bool, error) {
	n, err := s.configurations.CountDocuments(ctx, bson.M{}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListConfigurations(ctx context.Context, limit int) ([]storage.ConfigurationInfo, error) {
	opts := options.Find().SetSort(newestFirst).SetProjection(bson.M{"raw": 0})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.configurations.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []configurationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]storage.ConfigurationInfo, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].info())
	}
	return out, nil
}

// WatchConfigurations signals every new PMode document. It uses a change
// stream and falls back to polling on standalone servers. The channel is
// closed when ctx is done.
func (s *Store) WatchConfigurations(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go s.watchConfigurations(ctx, ch)
	return ch
}

func (s *Store) watchConfigurations(ctx context.Context, ch chan<- struct{}) {
	defer close(ch)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: "insert"}}}},
	}
	stream, err := s.configurations.Watch(ctx, pipeline)
	if err != nil {
		s.logger.Info("Change streams unavailable, polling for PMode changes", "interval", s.pollInterval, "error", err)
		s.pollConfigurations(ctx, ch)
		return
	}
	defer stream.Close(ctx)

	for stream.Next(ctx) {
		notify(ch)
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("PMode change stream ended", "error", err)
	}
}

// pollConfigurations is a fallback for when change streams aren't available
func (s *Store) pollConfigurations(ctx context.Context, ch chan<- struct{}) {
	last, _ := s.latestID(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id, err := s.latestID(ctx)
			if err != nil {
				continue
			}
			if id != last {
				last = id
				notify(ch)
			}
		}
	}
}

func (s *Store) latestID(ctx context.Context) (primitive.ObjectID, error) {
	var doc struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	opts := options.FindOne().SetSort(newestFirst).SetProjection(bson.M{"_id": 1})
	err := s.configurations.FindOne(ctx, bson.M{}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return primitive.NilObjectID, nil
	}
	return doc.ID, err
}

// notify does not block; one pending signal is enough to trigger a reload.
func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// PayloadStore implementation using GridFS

func payloadFilename(p *storage.PayloadData) string {
	return fmt.Sprintf("%s/%s/%s", p.MessageID, p.ID, p.ContentID)
}

func (s *Store) StorePayload(ctx context.Context, payload *storage.PayloadData) (string, error) {
	if payload.Checksum == "" {
		hash := sha256.Sum256(payload.Data)
		payload.Checksum = hex.EncodeToString(hash[:])
	}
	if payload.ID == "" {
		payload.ID = primitive.NewObjectID().Hex()
	}

	uploadOpts := options.GridFSUpload().SetMetadata(bson.M{
		"message_id": payload.MessageID,
		"content_id": payload.ContentID,
		"mime_type":  payload.MimeType,
		"checksum":   payload.Checksum,
	})

	uploadStream, err := s.gridfs.OpenUploadStream(payloadFilename(payload), uploadOpts)
	if err != nil {
		return "", fmt.Errorf("opening upload stream: %w", err)
	}
	defer uploadStream.Close()

	if _, err := uploadStream.Write(payload.Data); err != nil {
		return "", fmt.Errorf("writing payload: %w", err)
	}

	return uploadStream.FileID.(primitive.ObjectID).Hex(), nil
}

type gridFile struct {
	ID       primitive.ObjectID `bson:"_id"`
	Length   int64              `bson:"length"`
	Metadata struct {
		MessageID string `bson:"message_id"`
		ContentID string `bson:"content_id"`
		MimeType  string `bson:"mime_type"`
		Checksum  string `bson:"checksum"`
	} `bson:"metadata"`
}

func (s *Store) payloadFiles(ctx context.Context, messageID string) ([]gridFile, error) {
	cursor, err := s.gridfs.FindContext(ctx, bson.M{"metadata.message_id": messageID})
	if err != nil {
		return nil, fmt.Errorf("finding payloads: %w", err)
	}
	defer cursor.Close(ctx)

	var files []gridFile
	if err := cursor.All(ctx, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (s *Store) GetPayloads(ctx context.Context, messageID string) ([]*storage.PayloadData, error) {
	files, err := s.payloadFiles(ctx, messageID)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.PayloadData, 0, len(files))
	for _, f := range files {
		downloadStream, err := s.gridfs.OpenDownloadStream(f.ID)
		if err != nil {
			return nil, fmt.Errorf("opening download stream: %w", err)
		}
		data, err := io.ReadAll(downloadStream)
		downloadStream.Close()
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
		out = append(out, &storage.PayloadData{
			ID:        f.ID.Hex(),
			MessageID: f.Metadata.MessageID,
			ContentID: f.Metadata.ContentID,
			MimeType:  f.Metadata.MimeType,
			Data:      data,
			Checksum:  f.Metadata.Checksum,
		})
	}
	return out, nil
}

// ClearPayload deletes every payload of a message. Deleting a message
// without payloads is not an error.
func (s *Store) ClearPayload(ctx context.Context, messageID string) error {
	files, err := s.payloadFiles(ctx, messageID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.gridfs.DeleteContext(ctx, f.ID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return fmt.Errorf("deleting payload %s: %w", f.ID.Hex(), err)
		}
	}
	return nil
}
