// Copyright 2026 The chatrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package datastore

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/jameslbray/chatrelay/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// userCollectionName collection holding one document per registered user
const userCollectionName = "users"

// Datastore read access to the user records backing presence fan-out
type Datastore interface {
	// FriendIDs the user IDs on the given user's friend list. Unknown users
	// resolve to an empty list
	FriendIDs(ctxt context.Context, userID string) ([]string, error)
	// Ready verify the datastore connection
	Ready(ctxt context.Context) error
	// Close disconnect from the datastore
	Close(ctxt context.Context)
}

// mongoDatastoreImpl implements Datastore against MongoDB
type mongoDatastoreImpl struct {
	common.Component
	client           *mongo.Client
	users            *mongo.Collection
	operationTimeout time.Duration
}

// userRecord persisted user document. Only the fields this service reads
type userRecord struct {
	UserID  string   `bson:"user_id"`
	Friends []string `bson:"friends"`
}

// GetMongoDatastore connect to MongoDB and define a Datastore against it
func GetMongoDatastore(
	ctxt context.Context, config common.MongoConfig, instance string,
) (Datastore, error) {
	logTags := log.Fields{
		"module": "datastore", "component": "mongo", "instance": instance,
	}
	clientOptions := options.Client().ApplyURI(config.URI).SetAppName("chatrelay")
	clientOptions.SetConnectTimeout(time.Second * time.Duration(config.ConnectTimeout))

	connectCtxt, cancel := context.WithTimeout(
		ctxt, time.Second*time.Duration(config.ConnectTimeout),
	)
	defer cancel()
	client, err := mongo.Connect(connectCtxt, clientOptions)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to connect to %s", config.URI)
		return nil, err
	}
	log.WithFields(logTags).Infof("Connected to %s", config.URI)
	return &mongoDatastoreImpl{
		Component:        common.Component{LogTags: logTags},
		client:           client,
		users:            client.Database(config.Database).Collection(userCollectionName),
		operationTimeout: time.Second * time.Duration(config.OperationTimeout),
	}, nil
}

// FriendIDs the user IDs on the given user's friend list
func (d *mongoDatastoreImpl) FriendIDs(ctxt context.Context, userID string) ([]string, error) {
	opCtxt, cancel := context.WithTimeout(ctxt, d.operationTimeout)
	defer cancel()
	var record userRecord
	err := d.users.FindOne(opCtxt, bson.M{"user_id": userID}).Decode(&record)
	if err == mongo.ErrNoDocuments {
		// Unknown user. Presence updates simply fan out to no one
		return []string{}, nil
	}
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Friend list lookup for %s failed", userID,
		)
		return nil, err
	}
	if record.Friends == nil {
		return []string{}, nil
	}
	return record.Friends, nil
}

// Ready verify the datastore connection
func (d *mongoDatastoreImpl) Ready(ctxt context.Context) error {
	opCtxt, cancel := context.WithTimeout(ctxt, d.operationTimeout)
	defer cancel()
	return d.client.Ping(opCtxt, nil)
}

// Close disconnect from the datastore
func (d *mongoDatastoreImpl) Close(ctxt context.Context) {
	if err := d.client.Disconnect(ctxt); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Datastore disconnect failed")
	}
}
