package domain

import "fmt"

// ObjectCreatedEvent is the storage notification envelope sent when raw objects are created.
// It follows the S3 event layout, of which only bucket name and object key are used.
type ObjectCreatedEvent struct {
	Records []ObjectCreatedRecord `json:"Records"`
}

type ObjectCreatedRecord struct {
	EventName string `json:"eventName,omitempty"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size,omitempty"`
		} `json:"object"`
	} `json:"s3"`
}

// ObjectRef names an object inside a bucket.
type ObjectRef struct {
	Bucket string
	Key    BlobKey
}

// NewObjectCreatedRecord builds a record for bucket/key.
func NewObjectCreatedRecord(bucket, key string) ObjectCreatedRecord {
	var record ObjectCreatedRecord

	record.EventName = "ObjectCreated:Put"
	record.S3.Bucket.Name = bucket
	record.S3.Object.Key = key

	return record
}

// Object extracts the bucket name and object key of the record.
// Returns ErrMissingField if either is absent.
func (record ObjectCreatedRecord) Object() (ObjectRef, error) {
	if record.S3.Bucket.Name == "" {
		return ObjectRef{}, fmt.Errorf("%w: s3.bucket.name", ErrMissingField)
	}

	if record.S3.Object.Key == "" {
		return ObjectRef{}, fmt.Errorf("%w: s3.object.key", ErrMissingField)
	}

	return ObjectRef{
		Bucket: record.S3.Bucket.Name,
		Key:    BlobKey(record.S3.Object.Key),
	}, nil
}

// Objects extracts all object references, failing on the first incomplete record.
func (event ObjectCreatedEvent) Objects() ([]ObjectRef, error) {
	refs := make([]ObjectRef, 0, len(event.Records))

	for i, record := range event.Records {
		ref, err := record.Object()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		refs = append(refs, ref)
	}

	return refs, nil
}
