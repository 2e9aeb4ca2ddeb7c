package httpapi

import (
	"context"
	"net/http"

	"docucore/internal/composite"
	"docucore/internal/document"
	"docucore/internal/security"
	"docucore/internal/txn"
	apperrors "docucore/pkg/errors"
)

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, op security.Operation, scope security.Scope) bool {
	user := actorFromContext(r.Context())
	if !s.evaluator.OperationIsAllowed(r.Context(), user, op, scope) {
		writeError(w, apperrors.NewPermissionDenied("operation not permitted"))
		return false
	}
	return true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID documentIDDTO `json:"id" validate:"required"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	id := req.ID.toDomain()
	if !s.authorize(w, r, security.OpGet, security.Scope{CollectionParentPath: id.CollectionParentPath, CollectionID: id.CollectionID, DocumentID: id.DocumentID}) {
		return
	}
	doc, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fromDomainDocument(doc))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectionParentPath string `json:"collectionParentPath" validate:"required"`
		CollectionID         string `json:"collectionId" validate:"required"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.authorize(w, r, security.OpList, security.Scope{CollectionParentPath: req.CollectionParentPath, CollectionID: req.CollectionID}) {
		return
	}
	docs, err := s.store.ListCollection(r.Context(), req.CollectionParentPath, req.CollectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTOs(docs))
}

func (s *Server) handleListGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectionID string `json:"collectionId" validate:"required"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.authorize(w, r, security.OpListGroup, security.Scope{CollectionID: req.CollectionID}) {
		return
	}
	docs, err := s.store.ListGroup(r.Context(), req.CollectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTOs(docs))
}

func toDocumentDTOs(docs []document.Document) []documentDTO {
	dtos := make([]documentDTO, 0, len(docs))
	for _, d := range docs {
		dtos = append(dtos, fromDomainDocument(d))
	}
	return dtos
}

func toIDDTOs(ids []document.ID) []documentIDDTO {
	dtos := make([]documentIDDTO, 0, len(ids))
	for _, id := range ids {
		dtos = append(dtos, fromDomainID(id))
	}
	return dtos
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Document         documentDTO `json:"document" validate:"required"`
		ExpectedUpdateID string      `json:"expectedUpdateId"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	doc, err := req.Document.toDomain()
	if err != nil {
		writeError(w, apperrors.NewInvalidArgument(err.Error()))
		return
	}
	op := security.OpUpdate
	if req.ExpectedUpdateID == "" {
		op = security.OpCreate
	}
	if !s.authorize(w, r, op, security.Scope{CollectionParentPath: doc.ID.CollectionParentPath, CollectionID: doc.ID.CollectionID, DocumentID: doc.ID.DocumentID}) {
		return
	}
	written, err := s.txnMgr.Write(r.Context(), doc, req.ExpectedUpdateID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fromDomainDocument(written))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID               documentIDDTO `json:"id" validate:"required"`
		ExpectedUpdateID string        `json:"expectedUpdateId"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	id := req.ID.toDomain()
	if !s.authorize(w, r, security.OpDelete, security.Scope{CollectionParentPath: id.CollectionParentPath, CollectionID: id.CollectionID, DocumentID: id.DocumentID}) {
		return
	}
	if err := s.txnMgr.DeleteDocument(r.Context(), id, req.ExpectedUpdateID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleCommitTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reads  []readCheckDTO `json:"reads"`
		Writes []writeOpDTO   `json:"writes" validate:"required"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}

	user := actorFromContext(r.Context())
	reads := make([]txn.ReadCheck, 0, len(req.Reads))
	for _, rc := range req.Reads {
		reads = append(reads, txn.ReadCheck{ID: rc.ID.toDomain(), ExpectedUpdateID: rc.ExpectedUpdateID})
	}
	writes := make([]txn.WriteOp, 0, len(req.Writes))
	for _, wo := range req.Writes {
		switch wo.Kind {
		case "put":
			doc, err := wo.Document.toDomain()
			if err != nil {
				writeError(w, apperrors.NewInvalidArgument(err.Error()))
				return
			}
			if !s.evaluator.OperationIsAllowed(r.Context(), user, security.OpUpdate, security.Scope{CollectionParentPath: doc.ID.CollectionParentPath, CollectionID: doc.ID.CollectionID, DocumentID: doc.ID.DocumentID}) {
				writeError(w, apperrors.NewPermissionDenied("operation not permitted"))
				return
			}
			writes = append(writes, txn.WriteOp{Kind: txn.WriteKindPut, Document: doc, ExpectedUpdateID: wo.ExpectedUpdateID})
		case "delete":
			id := wo.ID.toDomain()
			if !s.evaluator.OperationIsAllowed(r.Context(), user, security.OpDelete, security.Scope{CollectionParentPath: id.CollectionParentPath, CollectionID: id.CollectionID, DocumentID: id.DocumentID}) {
				writeError(w, apperrors.NewPermissionDenied("operation not permitted"))
				return
			}
			writes = append(writes, txn.WriteOp{Kind: txn.WriteKindDelete, ID: id, ExpectedUpdateID: wo.ExpectedUpdateID})
		default:
			writeError(w, apperrors.NewInvalidArgument("write kind must be put or delete"))
			return
		}
	}

	ok, err := s.txnMgr.CommitTransaction(r.Context(), reads, writes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"committed": ok})
}

func (s *Server) handleSimpleQuery(w http.ResponseWriter, r *http.Request) {
	var req simpleQueryRequest
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	op, operand, err := req.parse()
	if err != nil {
		writeError(w, apperrors.NewInvalidArgument(err.Error()))
		return
	}
	if !s.authorize(w, r, security.OpList, security.Scope{CollectionID: req.CollectionID}) {
		return
	}
	ids, err := s.simple.SimpleQuery(r.Context(), req.Scope, req.CollectionID, req.FieldName, op, operand)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIDDTOs(ids))
}

func (s *Server) handleCompositeQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID string              `json:"groupId" validate:"required"`
		Params  []compositeParamDTO `json:"params" validate:"required"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	params, err := toCompositeParams(req.Params)
	if err != nil {
		writeError(w, apperrors.NewInvalidArgument(err.Error()))
		return
	}
	if !s.authorize(w, r, security.OpList, security.Scope{}) {
		return
	}
	ids, err := s.composite.CompositeQuery(r.Context(), req.GroupID, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIDDTOs(ids))
}

func (s *Server) handleSubscribeDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string        `json:"clientId" validate:"required"`
		ID       documentIDDTO `json:"id" validate:"required"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	id := req.ID.toDomain()
	if !s.authorize(w, r, security.OpGet, security.Scope{CollectionParentPath: id.CollectionParentPath, CollectionID: id.CollectionID, DocumentID: id.DocumentID}) {
		return
	}
	subID, err := s.basic.SubscribeDocument(r.Context(), req.ClientID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subscriptionId": subID})
}

func (s *Server) handleSubscribeCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID              string `json:"clientId" validate:"required"`
		CollectionParentPath string `json:"collectionParentPath" validate:"required"`
		CollectionID          string `json:"collectionId" validate:"required"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.authorize(w, r, security.OpList, security.Scope{CollectionParentPath: req.CollectionParentPath, CollectionID: req.CollectionID}) {
		return
	}
	subID, err := s.basic.SubscribeCollection(r.Context(), req.ClientID, req.CollectionParentPath, req.CollectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subscriptionId": subID})
}

func (s *Server) handleSubscribeCollectionGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string `json:"clientId" validate:"required"`
		CollectionID string `json:"collectionId" validate:"required"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.authorize(w, r, security.OpListGroup, security.Scope{CollectionID: req.CollectionID}) {
		return
	}
	subID, err := s.basic.SubscribeCollectionGroup(r.Context(), req.ClientID, req.CollectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subscriptionId": subID})
}

func (s *Server) handleSubscribeSimpleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId" validate:"required"`
		simpleQueryRequest
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	op, operand, err := req.parse()
	if err != nil {
		writeError(w, apperrors.NewInvalidArgument(err.Error()))
		return
	}
	if !s.authorize(w, r, security.OpList, security.Scope{CollectionID: req.CollectionID}) {
		return
	}
	subID, err := s.simple.SubscribeSimpleQuery(r.Context(), req.ClientID, req.Scope, req.CollectionID, req.FieldName, op, operand)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subscriptionId": subID})
}

func (s *Server) handleSubscribeCompositeQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string              `json:"clientId" validate:"required"`
		GroupID  string              `json:"groupId" validate:"required"`
		Params   []compositeParamDTO `json:"params" validate:"required"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	params, err := toCompositeParams(req.Params)
	if err != nil {
		writeError(w, apperrors.NewInvalidArgument(err.Error()))
		return
	}
	if !s.authorize(w, r, security.OpList, security.Scope{}) {
		return
	}
	subID, err := s.composite.SubscribeCompositeQuery(r.Context(), req.ClientID, req.GroupID, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subscriptionId": subID})
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId" validate:"required"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), longPollDeadline)
	defer cancel()
	entries, err := s.listenMgr.Listen(ctx, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"subscriptionId": e.SubscriptionID,
			"rowId":          e.RowID(),
			"updateId":       e.UpdateID,
			"document":       e.DocumentBytes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updates": out})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UpdateIDs []string `json:"updateIds" validate:"required"`
	}
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.listenMgr.Confirm(r.Context(), req.UpdateIDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"confirmed": true})
}

func toCompositeParams(dtos []compositeParamDTO) ([]composite.Param, error) {
	params := make([]composite.Param, 0, len(dtos))
	for _, d := range dtos {
		p, err := d.toDomain()
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}
