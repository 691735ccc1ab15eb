package main

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damoon/kafka-region-router/internal/config"
)

func TestTopicConfigs(t *testing.T) {
	cfg := config.Defaults(time.Date(2016, time.May, 4, 0, 0, 0, 0, time.UTC))

	got := topicConfigs(cfg, options{partitions: 6, replication: 3})

	assert.Equal(t, []kafka.TopicConfig{
		{Topic: "gdelt", NumPartitions: 6, ReplicationFactor: 3},
		{Topic: "gdelt-india", NumPartitions: 6, ReplicationFactor: 3},
	}, got)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, options{partitions: 1, replication: 1}.validate())

	err := options{partitions: 0, replication: -1}.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partitions")
	assert.Contains(t, err.Error(), "replication")
}

func TestFirstBroker(t *testing.T) {
	assert.Equal(t, "localhost:9092", firstBroker("localhost:9092"))
	assert.Equal(t, "a:9092", firstBroker(" a:9092 , b:9092"))
	assert.Equal(t, "b:9092", firstBroker(",b:9092"))
}

func TestPartitionCount(t *testing.T) {
	partitions := []kafka.Partition{
		{Topic: "gdelt", ID: 0},
		{Topic: "gdelt", ID: 1},
		{Topic: "gdelt", ID: 1},
		{Topic: "gdelt-india", ID: 0},
	}

	assert.Equal(t, 2, partitionCount(partitions, "gdelt"))
	assert.Equal(t, 1, partitionCount(partitions, "gdelt-india"))
	assert.Equal(t, 0, partitionCount(partitions, "other"))
}

func TestIsAlreadyExists(t *testing.T) {
	assert.False(t, isAlreadyExists(nil))
	assert.True(t, isAlreadyExists(kafka.TopicAlreadyExists))
	assert.True(t, isAlreadyExists(fmt.Errorf("create: %w", kafka.TopicAlreadyExists)))
	assert.False(t, isAlreadyExists(errors.New("connection refused")))
}

func TestCommandRejectsInvalidOptions(t *testing.T) {
	cmd := newCommand()
	cmd.SetArgs([]string{"--partitions", "0"})
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partitions")
}
