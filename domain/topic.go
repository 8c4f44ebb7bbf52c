package domain

import (
	"errors"
	"strings"
)

const (
	taskTopicPrefix = "task:"
	userTopicPrefix = "user:"
)

// Topic names a broadcast room. Only the task: and user: namespaces exist.
type Topic string

// TopicKind identifies the namespace of a topic.
type TopicKind int

const (
	TopicInvalid TopicKind = iota
	TopicTask
	TopicUser
)

// ErrInvalidTopic is returned by Topic.Parse for names outside both namespaces.
var ErrInvalidTopic = errors.New("invalid topic")

// TaskTopic returns the room of everyone viewing the given task.
func TaskTopic(taskID string) Topic {
	return Topic(taskTopicPrefix + taskID)
}

// UserTopic returns the personal notification room of the given user.
func UserTopic(userID string) Topic {
	return Topic(userTopicPrefix + userID)
}

// Parse splits the topic into its namespace and id.
func (t Topic) Parse() (TopicKind, string, error) {
	s := string(t)
	switch {
	case strings.HasPrefix(s, taskTopicPrefix) && len(s) > len(taskTopicPrefix):
		return TopicTask, s[len(taskTopicPrefix):], nil
	case strings.HasPrefix(s, userTopicPrefix) && len(s) > len(userTopicPrefix):
		return TopicUser, s[len(userTopicPrefix):], nil
	}
	return TopicInvalid, "", ErrInvalidTopic
}

// Kind returns the topic namespace, TopicInvalid for malformed topics.
func (t Topic) Kind() TopicKind {
	k, _, _ := t.Parse()
	return k
}

func (t Topic) String() string { return string(t) }
