package wire

import (
	"encoding/json"

	"github.com/aerodb/aerodb/internal/aeroerr"
	"github.com/aerodb/aerodb/internal/engine"
	"github.com/aerodb/aerodb/internal/schema"
)

// Dispatch maps one decoded Request onto a Database operation and builds
// its Response. This is the "collaborator" spec §6 calls out: the
// durability core only requires that every mutating op append to the WAL
// before ack, which engine.Database already guarantees internally.
func Dispatch(db *engine.Database, req *Request) Response {
	switch req.Op {
	case "put":
		return dispatchPut(db, req)
	case "get":
		return dispatchGet(db, req)
	case "delete":
		return dispatchDelete(db, req)
	case "scan":
		return dispatchScan(db, req)
	case "schema":
		return dispatchSchema(db, req)
	case "snapshot":
		return dispatchSnapshot(db, req)
	case "backup":
		return dispatchBackup(db, req)
	case "request_confirmation":
		return dispatchRequestConfirmation(db, req)
	case "confirm":
		return dispatchConfirm(db, req)
	case "status":
		return Response{OK: true, Data: db.Status()}
	default:
		return errorResponse(aeroerr.New(aeroerr.CodeUnknownOp, "unknown op: "+req.Op, aeroerr.SeverityError))
	}
}

func dispatchPut(db *engine.Database, req *Request) Response {
	if req.Collection == "" {
		return errorResponse(aeroerr.New(aeroerr.CodeCollectionMissing, "collection is required", aeroerr.SeverityError))
	}
	docBytes, err := json.Marshal(req.Doc)
	if err != nil {
		return errorResponse(aeroerr.New(aeroerr.CodeUnknownOp, "invalid document body", aeroerr.SeverityError))
	}
	lsn, err := db.Put(req.Collection, req.PK, docBytes)
	if err != nil {
		return errorResponse(err)
	}
	return Response{OK: true, Data: map[string]uint64{"lsn": lsn}}
}

func dispatchGet(db *engine.Database, req *Request) Response {
	if req.Collection == "" {
		return errorResponse(aeroerr.New(aeroerr.CodeCollectionMissing, "collection is required", aeroerr.SeverityError))
	}
	doc, found, err := db.Get(req.Collection, req.PK)
	if err != nil {
		return errorResponse(err)
	}
	if !found {
		return Response{OK: true, Data: nil}
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(doc, &decoded); err != nil {
		return errorResponse(aeroerr.Wrap(aeroerr.CodeStorageApplyFailed, "stored document is not valid JSON", aeroerr.SeverityError, err))
	}
	return Response{OK: true, Data: decoded}
}

func dispatchDelete(db *engine.Database, req *Request) Response {
	if req.Collection == "" {
		return errorResponse(aeroerr.New(aeroerr.CodeCollectionMissing, "collection is required", aeroerr.SeverityError))
	}
	lsn, err := db.Delete(req.Collection, req.PK)
	if err != nil {
		return errorResponse(err)
	}
	return Response{OK: true, Data: map[string]uint64{"lsn": lsn}}
}

func dispatchScan(db *engine.Database, req *Request) Response {
	if req.Collection == "" {
		return errorResponse(aeroerr.New(aeroerr.CodeCollectionMissing, "collection is required", aeroerr.SeverityError))
	}
	results, err := db.Scan(req.Collection, nil)
	if err != nil {
		return errorResponse(err)
	}
	docs := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		var decoded map[string]interface{}
		if err := json.Unmarshal(r.Doc, &decoded); err != nil {
			continue
		}
		docs = append(docs, decoded)
	}
	return Response{OK: true, Data: docs}
}

func dispatchSchema(db *engine.Database, req *Request) Response {
	if req.SchemaOp == nil {
		return errorResponse(aeroerr.New(aeroerr.CodeUnknownOp, "schema_op is required", aeroerr.SeverityError))
	}
	op := &schema.SchemaOp{
		Kind:       schema.SchemaOpKind(req.SchemaOp.Kind),
		Collection: req.Collection,
		NewName:    req.SchemaOp.NewName,
		Descriptor: req.SchemaOp.Descriptor,
	}
	if err := db.ApplySchemaOp(op); err != nil {
		return errorResponse(err)
	}
	return Response{OK: true}
}

func dispatchSnapshot(db *engine.Database, req *Request) Response {
	manifest, err := db.Snapshot()
	if err != nil {
		return errorResponse(err)
	}
	return Response{OK: true, Data: manifest}
}

func dispatchBackup(db *engine.Database, req *Request) Response {
	meta, err := db.Backup(req.SnapshotID, "")
	if err != nil {
		return errorResponse(err)
	}
	return Response{OK: true, Data: meta}
}

func dispatchRequestConfirmation(db *engine.Database, req *Request) Response {
	token := db.RequestDangerousConfirmation(req.Operation, req.Resource, req.Requester, req.Phrase)
	return Response{OK: true, Data: map[string]string{"token": token}}
}

func dispatchConfirm(db *engine.Database, req *Request) Response {
	if err := db.ConfirmDangerous(req.Token, req.Resource, req.Phrase); err != nil {
		return errorResponse(err)
	}
	return Response{OK: true}
}
