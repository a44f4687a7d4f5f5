package asyncjob

import (
	"encoding/json"
	"fmt"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

// Kind tags a request and its matching response.
type Kind string

const (
	KindTypeCount     Kind = "TYPE_COUNT"
	KindTypeCounts    Kind = "TYPE_COUNTS"
	KindTypeChecksum  Kind = "TYPE_CHECKSUM"
	KindRangeChecksum Kind = "RANGE_CHECKSUM"
	KindBatchChecksum Kind = "BATCH_CHECKSUM"
	KindRowMetadata   Kind = "ROW_METADATA"
	KindDeltaRanges   Kind = "DELTA_RANGES"
	KindBackupType    Kind = "BACKUP_TYPE"
	KindRestoreType   Kind = "RESTORE_TYPE"
)

// Request is one of the request types in this package.
type Request interface {
	Kind() Kind
	Validate() error
	isRequest()
}

// Response is one of the response types in this package.
type Response interface {
	Kind() Kind
	isResponse()
}

var newRequest = map[Kind]func() Request{
	KindTypeCount:     func() Request { return &TypeCountRequest{} },
	KindTypeCounts:    func() Request { return &TypeCountsRequest{} },
	KindTypeChecksum:  func() Request { return &TypeChecksumRequest{} },
	KindRangeChecksum: func() Request { return &RangeChecksumRequest{} },
	KindBatchChecksum: func() Request { return &BatchChecksumRequest{} },
	KindRowMetadata:   func() Request { return &RowMetadataRequest{} },
	KindDeltaRanges:   func() Request { return &DeltaRangesRequest{} },
	KindBackupType:    func() Request { return &BackupTypeRequest{} },
	KindRestoreType:   func() Request { return &RestoreTypeRequest{} },
}

var newResponse = map[Kind]func() Response{
	KindTypeCount:     func() Response { return &TypeCountResponse{} },
	KindTypeCounts:    func() Response { return &TypeCountsResponse{} },
	KindTypeChecksum:  func() Response { return &TypeChecksumResponse{} },
	KindRangeChecksum: func() Response { return &RangeChecksumResponse{} },
	KindBatchChecksum: func() Response { return &BatchChecksumResponse{} },
	KindRowMetadata:   func() Response { return &RowMetadataResponse{} },
	KindDeltaRanges:   func() Response { return &DeltaRangesResponse{} },
	KindBackupType:    func() Response { return &BackupTypeResponse{} },
	KindRestoreType:   func() Response { return &RestoreTypeResponse{} },
}

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{
		KindTypeCount, KindTypeCounts, KindTypeChecksum, KindRangeChecksum, KindBatchChecksum,
		KindRowMetadata, KindDeltaRanges, KindBackupType, KindRestoreType,
	}
}

// envelope is the persisted and wire form of requests and responses.
type envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func encode(kind Kind, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", kind, err)
	}
	return json.Marshal(envelope{Kind: kind, Body: raw})
}

// EncodeRequest wraps req in its kind envelope.
func EncodeRequest(req Request) ([]byte, error) {
	return encode(req.Kind(), req)
}

// EncodeResponse wraps resp in its kind envelope.
func EncodeResponse(resp Response) ([]byte, error) {
	return encode(resp.Kind(), resp)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decoding envelope: %v: %w", err, migration.ErrInvalidArgument)
	}
	return env, nil
}

// DecodeRequest reverses EncodeRequest. Unknown kinds wrap
// migration.ErrInvalidArgument.
func DecodeRequest(data []byte) (Request, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	mk, ok := newRequest[env.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown request kind %q: %w", env.Kind, migration.ErrInvalidArgument)
	}
	req := mk()
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, req); err != nil {
			return nil, fmt.Errorf("decoding %s request: %v: %w", env.Kind, err, migration.ErrInvalidArgument)
		}
	}
	return req, nil
}

// DecodeResponse reverses EncodeResponse.
func DecodeResponse(data []byte) (Response, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	mk, ok := newResponse[env.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown response kind %q: %w", env.Kind, migration.ErrInvalidArgument)
	}
	resp := mk()
	if err := json.Unmarshal(env.Body, resp); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", env.Kind, err)
	}
	return resp, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, migration.ErrInvalidArgument)...)
}

// TypeCountRequest asks for the row count of one type.
type TypeCountRequest struct {
	Type migration.Type `json:"type"`
}

func (*TypeCountRequest) Kind() Kind        { return KindTypeCount }
func (*TypeCountRequest) isRequest()        {}
func (r *TypeCountRequest) Validate() error { return r.Type.Check() }

type TypeCountResponse struct {
	Count migration.TypeCount `json:"count"`
}

func (*TypeCountResponse) Kind() Kind  { return KindTypeCount }
func (*TypeCountResponse) isResponse() {}

// TypeCountsRequest asks for counts of several types; none means all.
type TypeCountsRequest struct {
	Types []migration.Type `json:"types,omitempty"`
}

func (*TypeCountsRequest) Kind() Kind { return KindTypeCounts }
func (*TypeCountsRequest) isRequest() {}
func (r *TypeCountsRequest) Validate() error {
	for _, t := range r.Types {
		if err := t.Check(); err != nil {
			return err
		}
	}
	return nil
}

type TypeCountsResponse struct {
	Counts []migration.TypeCount `json:"counts"`
}

func (*TypeCountsResponse) Kind() Kind  { return KindTypeCounts }
func (*TypeCountsResponse) isResponse() {}

type TypeChecksumRequest struct {
	Type migration.Type `json:"type"`
	Salt string         `json:"salt"`
}

func (*TypeChecksumRequest) Kind() Kind        { return KindTypeChecksum }
func (*TypeChecksumRequest) isRequest()        {}
func (r *TypeChecksumRequest) Validate() error { return r.Type.Check() }

type TypeChecksumResponse struct {
	Checksum migration.TypeChecksum `json:"checksum"`
}

func (*TypeChecksumResponse) Kind() Kind  { return KindTypeChecksum }
func (*TypeChecksumResponse) isResponse() {}

type RangeChecksumRequest struct {
	Type  migration.Type `json:"type"`
	Salt  string         `json:"salt"`
	MinID int64          `json:"minId"`
	MaxID int64          `json:"maxId"`
}

func (*RangeChecksumRequest) Kind() Kind { return KindRangeChecksum }
func (*RangeChecksumRequest) isRequest() {}
func (r *RangeChecksumRequest) Validate() error {
	if err := r.Type.Check(); err != nil {
		return err
	}
	if r.MinID > r.MaxID {
		return invalid("minId %d > maxId %d", r.MinID, r.MaxID)
	}
	return nil
}

type RangeChecksumResponse struct {
	Checksum migration.RangeChecksum `json:"checksum"`
}

func (*RangeChecksumResponse) Kind() Kind  { return KindRangeChecksum }
func (*RangeChecksumResponse) isResponse() {}

type BatchChecksumRequest struct {
	Type   migration.Type      `json:"type"`
	Salt   string              `json:"salt"`
	Ranges []migration.IdRange `json:"ranges"`
}

func (*BatchChecksumRequest) Kind() Kind { return KindBatchChecksum }
func (*BatchChecksumRequest) isRequest() {}
func (r *BatchChecksumRequest) Validate() error {
	if err := r.Type.Check(); err != nil {
		return err
	}
	if len(r.Ranges) == 0 {
		return invalid("no ranges")
	}
	for _, rg := range r.Ranges {
		if !rg.Valid() {
			return invalid("range %s is inverted", rg)
		}
	}
	return nil
}

type BatchChecksumResponse struct {
	Checksums []migration.RangeChecksum `json:"checksums"`
}

func (*BatchChecksumResponse) Kind() Kind  { return KindBatchChecksum }
func (*BatchChecksumResponse) isResponse() {}

type RowMetadataRequest struct {
	Type  migration.Type `json:"type"`
	MinID int64          `json:"minId"`
	MaxID int64          `json:"maxId"`
}

func (*RowMetadataRequest) Kind() Kind { return KindRowMetadata }
func (*RowMetadataRequest) isRequest() {}
func (r *RowMetadataRequest) Validate() error {
	if err := r.Type.Check(); err != nil {
		return err
	}
	if r.MinID > r.MaxID {
		return invalid("minId %d > maxId %d", r.MinID, r.MaxID)
	}
	return nil
}

type RowMetadataResponse struct {
	Rows []migration.RowMetadata `json:"rows"`
}

func (*RowMetadataResponse) Kind() Kind  { return KindRowMetadata }
func (*RowMetadataResponse) isResponse() {}

// DeltaRangesRequest compares the two stacks. Without bounds the whole type
// is compared.
type DeltaRangesRequest struct {
	Type  migration.Type `json:"type"`
	Salt  string         `json:"salt"`
	MinID *int64         `json:"minId,omitempty"`
	MaxID *int64         `json:"maxId,omitempty"`
}

func (*DeltaRangesRequest) Kind() Kind { return KindDeltaRanges }
func (*DeltaRangesRequest) isRequest() {}
func (r *DeltaRangesRequest) Validate() error {
	if err := r.Type.Check(); err != nil {
		return err
	}
	if !r.Range().Valid() {
		return invalid("range %s is inverted", r.Range())
	}
	return nil
}

// Range returns the requested bounds, open ends filled with the full range.
func (r *DeltaRangesRequest) Range() migration.IdRange {
	rg := migration.FullRange
	if r.MinID != nil {
		rg.MinID = *r.MinID
	}
	if r.MaxID != nil {
		rg.MaxID = *r.MaxID
	}
	return rg
}

type DeltaRangesResponse struct {
	Delta migration.DeltaRanges `json:"delta"`
}

func (*DeltaRangesResponse) Kind() Kind  { return KindDeltaRanges }
func (*DeltaRangesResponse) isResponse() {}

// BackupTypeRequest starts a backup daemon. The response carries the
// daemon's initial status; its progress is polled separately.
type BackupTypeRequest struct {
	Type migration.Type `json:"type"`
	IDs  []int64        `json:"ids"`
}

func (*BackupTypeRequest) Kind() Kind { return KindBackupType }
func (*BackupTypeRequest) isRequest() {}
func (r *BackupTypeRequest) Validate() error {
	if err := r.Type.Check(); err != nil {
		return err
	}
	if len(r.IDs) == 0 {
		return invalid("no ids")
	}
	return nil
}

type BackupTypeResponse struct {
	Status migration.BackupRestoreStatus `json:"status"`
}

func (*BackupTypeResponse) Kind() Kind  { return KindBackupType }
func (*BackupTypeResponse) isResponse() {}

type RestoreTypeRequest struct {
	Type       migration.Type              `json:"type"`
	Submission migration.RestoreSubmission `json:"submission"`
}

func (*RestoreTypeRequest) Kind() Kind { return KindRestoreType }
func (*RestoreTypeRequest) isRequest() {}
func (r *RestoreTypeRequest) Validate() error {
	if err := r.Type.Check(); err != nil {
		return err
	}
	if r.Submission.ArtifactFileName == "" {
		return invalid("no artifact file name")
	}
	return nil
}

type RestoreTypeResponse struct {
	Status migration.BackupRestoreStatus `json:"status"`
}

func (*RestoreTypeResponse) Kind() Kind  { return KindRestoreType }
func (*RestoreTypeResponse) isResponse() {}
