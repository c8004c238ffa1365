// Package record captures one Entry per proxied request or tunnel and hands
// it to a Recorder: the structured logger, a MongoDB collection, or both.
package record
