package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"relaychat/tools/errs"
	"relaychat/tools/ids"
)

// MongoStore keeps conversations, messages and read cursors in three
// collections. Sequence assignment is the atomic $inc on the conversation's
// max_seq counter; the unique (conversation_id, sender_id, token) index backs
// the idempotency guarantee, same layout as the message flow it replaces.
// Append runs inside a session transaction so a failed insert rolls the
// counter back instead of leaving a gap at the consumed sequence.
type MongoStore struct {
	cli     *mongo.Client
	convs   *mongo.Collection
	msgs    *mongo.Collection
	cursors *mongo.Collection
}

type MongoConfig struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("mongo connect", "uri", cfg.URI)
	}
	if err := cli.Ping(ctx, nil); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("mongo ping", "uri", cfg.URI)
	}
	db := cli.Database(cfg.Database)
	s := &MongoStore{
		cli:     cli,
		convs:   db.Collection("conversations"),
		msgs:    db.Collection("messages"),
		cursors: db.Collection("read_cursors"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.msgs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "token", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("create message indexes")
	}
	_, err = s.cursors.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "identity", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("create cursor index")
	}
	return nil
}

func (s *MongoStore) EnsureConversation(ctx context.Context, id string, participants []string) error {
	_, err := s.convs.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$setOnInsert": bson.M{
			"participants":  participants,
			"created_at_ms": time.Now().UnixMilli(),
			"max_seq":       int64(0),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("ensure conversation", "conv", id)
	}
	return nil
}

func (s *MongoStore) Participants(ctx context.Context, id string) ([]string, error) {
	var c Conversation
	err := s.convs.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotParticipant.WithDetail("unknown conversation " + id)
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("load conversation", "conv", id)
	}
	return c.Participants, nil
}

func (s *MongoStore) Append(ctx context.Context, conversationID, sender, content, token string) (*Message, error) {
	sess, err := s.cli.StartSession()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("start session", "conv", conversationID)
	}
	defer sess.EndSession(ctx)

	res, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		// Idempotent retry path first: the common case for a resubmitted send.
		if m, err := s.findByToken(sc, conversationID, sender, token); err != nil {
			return nil, err
		} else if m != nil {
			return m, nil
		}

		var c Conversation
		err := s.convs.FindOneAndUpdate(sc,
			bson.M{"_id": conversationID},
			bson.M{"$inc": bson.M{"max_seq": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&c)
		if err == mongo.ErrNoDocuments {
			return nil, errs.ErrNotParticipant.WithDetail("unknown conversation " + conversationID)
		}
		if err != nil {
			return nil, errs.ErrStoreUnavailable.WrapMsg("advance seq", "conv", conversationID)
		}

		m := &Message{
			ConversationID: conversationID,
			Seq:            c.MaxSeq,
			SenderID:       sender,
			Content:        content,
			Token:          token,
			ServerMsgID:    ids.GenerateString(),
			CreatedAtMS:    time.Now().UnixMilli(),
		}
		// An insert failure aborts the transaction and rolls the counter
		// back, so the consumed seq never becomes a hole.
		if _, err := s.msgs.InsertOne(sc, m); err != nil {
			return nil, err
		}
		return m, nil
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost the token race to a concurrent retry on another node; the
			// winner's row is the message.
			if dup, derr := s.findByToken(ctx, conversationID, sender, token); derr == nil && dup != nil {
				return dup, nil
			}
		}
		if errs.Code(err) != 0 {
			return nil, err
		}
		return nil, errs.ErrStoreUnavailable.WrapMsg("append txn", "conv", conversationID)
	}
	return res.(*Message), nil
}

func (s *MongoStore) findByToken(ctx context.Context, conversationID, sender, token string) (*Message, error) {
	var m Message
	err := s.msgs.FindOne(ctx, bson.M{
		"conversation_id": conversationID, "sender_id": sender, "token": token,
	}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("token lookup", "conv", conversationID)
	}
	return &m, nil
}

type cursorDoc struct {
	ConversationID string `bson:"conversation_id"`
	Identity       string `bson:"identity"`
	ReadSeq        int64  `bson:"read_seq"`
}

func (s *MongoStore) AdvanceReadCursor(ctx context.Context, conversationID, identity string, seq int64) (int64, int64, error) {
	var before cursorDoc
	err := s.cursors.FindOneAndUpdate(ctx,
		bson.M{"conversation_id": conversationID, "identity": identity},
		bson.M{"$max": bson.M{"read_seq": seq}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil && err != mongo.ErrNoDocuments {
		return 0, 0, errs.ErrStoreUnavailable.WrapMsg("advance cursor", "conv", conversationID)
	}
	prev := before.ReadSeq
	cur := prev
	if seq > cur {
		cur = seq
	}
	return prev, cur, nil
}

func (s *MongoStore) ReadCursor(ctx context.Context, conversationID, identity string) (int64, error) {
	var d cursorDoc
	err := s.cursors.FindOne(ctx, bson.M{"conversation_id": conversationID, "identity": identity}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("read cursor", "conv", conversationID)
	}
	return d.ReadSeq, nil
}

func (s *MongoStore) History(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{"conversation_id": conversationID}
	if beforeSeq > 0 {
		filter["seq"] = bson.M{"$lt": beforeSeq}
	}
	cur, err := s.msgs.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("history", "conv", conversationID)
	}
	defer func() { _ = cur.Close(ctx) }()

	var page []Message
	if err := cur.All(ctx, &page); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("history decode", "conv", conversationID)
	}
	// newest-first from the index, ascending on the wire
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (s *MongoStore) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	var c Conversation
	err := s.convs.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return 0, errs.ErrNotParticipant.WithDetail("unknown conversation " + conversationID)
	}
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("max seq", "conv", conversationID)
	}
	return c.MaxSeq, nil
}
