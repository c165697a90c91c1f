package controller

import (
	"mime/multipart"
	"strconv"
	"time"

	"docshare_backend/internal/model"
	"docshare_backend/internal/service"
	"docshare_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type ResourceController struct {
	ResourceService *service.ResourceService
	RatingService   *service.RatingService
}

func NewResourceController(resourceService *service.ResourceService, ratingService *service.RatingService) *ResourceController {
	return &ResourceController{
		ResourceService: resourceService,
		RatingService:   ratingService,
	}
}

func parseID(ctx *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil || id == 0 {
		util.BadRequest(ctx, "invalid resource id")
		return 0, false
	}
	return uint(id), true
}

func pageParams(ctx *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(ctx.DefaultQuery("offset", "0"))
	return limit, offset
}

// openUpload converts a multipart file header into the engine's FileUpload.
// The caller must close the returned file.
func openUpload(header *multipart.FileHeader) (*service.FileUpload, multipart.File, error) {
	src, err := header.Open()
	if err != nil {
		return nil, nil, err
	}
	return &service.FileUpload{
		Reader:      src,
		Filename:    header.Filename,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
	}, src, nil
}

type UploadResourceRequest struct {
	Title       string `form:"title" binding:"required"`
	Description string `form:"description"`
	CourseID    string `form:"courseId"`
}

func (c *ResourceController) Upload(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}

	var req UploadResourceRequest
	if err := ctx.ShouldBind(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	header, err := ctx.FormFile("file")
	if err != nil {
		util.BadRequest(ctx, "File is required")
		return
	}

	upload, src, err := openUpload(header)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	defer src.Close()

	resource, err := c.ResourceService.Create(ctx.Request.Context(), service.CreateResourceInput{
		Title:       req.Title,
		Description: req.Description,
		CourseID:    req.CourseID,
		UploaderID:  claims.UserID,
		IsAdmin:     claims.Role == model.RoleAdmin,
	}, upload)
	if err != nil {
		util.FromError(ctx, err)
		return
	}

	util.Created(ctx, resource)
}

// canSee applies the visibility rule using facts the engine exposes: only
// approved resources are public, owners and admins see everything.
func canSee(claims *util.Claims, resource *model.Resource) bool {
	if resource.Status == model.StatusApproved {
		return true
	}
	if claims == nil {
		return false
	}
	return claims.Role == model.RoleAdmin || claims.UserID == resource.CreatedBy
}

func (c *ResourceController) Get(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}

	resource, err := c.ResourceService.Get(ctx.Request.Context(), id, true)
	if err != nil {
		util.FromError(ctx, err)
		return
	}

	if !canSee(util.GetUserFromContext(ctx), resource) {
		util.NotFound(ctx)
		return
	}

	util.Success(ctx, resource)
}

func (c *ResourceController) List(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	limit, offset := pageParams(ctx)

	includePending := false
	if claims != nil && claims.Role == model.RoleAdmin && ctx.Query("all") == "true" {
		includePending = true
	}

	resources, total, err := c.ResourceService.List(ctx.Request.Context(), service.ListOptions{
		Limit:          limit,
		Offset:         offset,
		IncludePending: includePending,
		CourseID:       ctx.Query("courseId"),
	})
	if err != nil {
		util.FromError(ctx, err)
		return
	}

	util.Success(ctx, util.PageResponse{List: resources, Total: total, Limit: limit, Offset: offset})
}

func (c *ResourceController) Update(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := parseID(ctx)
	if !ok {
		return
	}

	existing, err := c.ResourceService.Get(ctx.Request.Context(), id, true)
	if err != nil {
		util.FromError(ctx, err)
		return
	}
	if claims.Role != model.RoleAdmin && claims.UserID != existing.CreatedBy {
		util.Forbidden(ctx)
		return
	}

	var patch service.UpdateResourceInput
	if v, ok := ctx.GetPostForm("title"); ok {
		patch.Title = &v
	}
	if v, ok := ctx.GetPostForm("description"); ok {
		patch.Description = &v
	}
	if v, ok := ctx.GetPostForm("courseId"); ok {
		patch.CourseID = &v
	}

	var upload *service.FileUpload
	if header, err := ctx.FormFile("file"); err == nil {
		u, src, err := openUpload(header)
		if err != nil {
			util.LogInternalError(ctx, err)
			return
		}
		defer src.Close()
		upload = u
	}

	resource, err := c.ResourceService.Update(ctx.Request.Context(), id, patch, upload, claims.UserID)
	if err != nil {
		util.FromError(ctx, err)
		return
	}

	util.Success(ctx, resource)
}

func (c *ResourceController) Delete(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := parseID(ctx)
	if !ok {
		return
	}

	existing, err := c.ResourceService.Get(ctx.Request.Context(), id, true)
	if err != nil {
		util.FromError(ctx, err)
		return
	}
	if claims.Role != model.RoleAdmin && claims.UserID != existing.CreatedBy {
		util.Forbidden(ctx)
		return
	}

	if err := c.ResourceService.Delete(ctx.Request.Context(), id); err != nil {
		util.FromError(ctx, err)
		return
	}

	util.Success(ctx, gin.H{"id": id})
}

type ReviewRequest struct {
	Status  string `json:"status" binding:"required,oneof=pending approved rejected inactive"`
	Comment string `json:"comment"`
}

func (c *ResourceController) Review(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := parseID(ctx)
	if !ok {
		return
	}

	var req ReviewRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	resource, err := c.ResourceService.Review(ctx.Request.Context(), id, model.ResourceStatus(req.Status), req.Comment, claims.UserID)
	if err != nil {
		util.FromError(ctx, err)
		return
	}

	util.Success(ctx, resource)
}

func (c *ResourceController) Deactivate(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := parseID(ctx)
	if !ok {
		return
	}

	resource, err := c.ResourceService.Deactivate(ctx.Request.Context(), id, claims.UserID)
	if err != nil {
		util.FromError(ctx, err)
		return
	}
	util.Success(ctx, resource)
}

func (c *ResourceController) Reactivate(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := parseID(ctx)
	if !ok {
		return
	}

	resource, err := c.ResourceService.Reactivate(ctx.Request.Context(), id, claims.UserID)
	if err != nil {
		util.FromError(ctx, err)
		return
	}
	util.Success(ctx, resource)
}

func (c *ResourceController) PendingReview(ctx *gin.Context) {
	limit, offset := pageParams(ctx)
	resources, total, err := c.ResourceService.ListPendingReview(ctx.Request.Context(), limit, offset)
	if err != nil {
		util.FromError(ctx, err)
		return
	}
	util.Success(ctx, util.PageResponse{List: resources, Total: total, Limit: limit, Offset: offset})
}

func (c *ResourceController) Download(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}

	resource, err := c.ResourceService.Get(ctx.Request.Context(), id, true)
	if err != nil {
		util.FromError(ctx, err)
		return
	}
	if !canSee(util.GetUserFromContext(ctx), resource) {
		util.NotFound(ctx)
		return
	}

	expirySeconds, _ := strconv.Atoi(ctx.DefaultQuery("expiry", "0"))
	url, err := c.ResourceService.GetDownloadURL(ctx.Request.Context(), id, time.Duration(expirySeconds)*time.Second)
	if err != nil {
		util.FromError(ctx, err)
		return
	}

	util.Success(ctx, gin.H{"url": url})
}

func (c *ResourceController) MyUploads(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}

	limit, offset := pageParams(ctx)
	resources, total, err := c.ResourceService.GetUserUploads(ctx.Request.Context(), claims.UserID, limit, offset)
	if err != nil {
		util.FromError(ctx, err)
		return
	}

	util.Success(ctx, gin.H{
		"uploads": util.PageResponse{List: resources, Total: total, Limit: limit, Offset: offset},
		"stats":   c.ResourceService.GetUserUploadStats(ctx.Request.Context(), claims.UserID),
	})
}

func (c *ResourceController) VerifySync(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}

	report, err := c.ResourceService.VerifySync(ctx.Request.Context(), id)
	if err != nil {
		util.FromError(ctx, err)
		return
	}
	util.Success(ctx, report)
}

type RateRequest struct {
	Rating float64 `json:"rating" binding:"required"`
}

func (c *ResourceController) Rate(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := parseID(ctx)
	if !ok {
		return
	}

	var req RateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	summary, err := c.RatingService.Rate(ctx.Request.Context(), id, claims.UserID, req.Rating)
	if err != nil {
		util.FromError(ctx, err)
		return
	}

	util.Success(ctx, summary)
}

func (c *ResourceController) GetRating(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := parseID(ctx)
	if !ok {
		return
	}

	util.Success(ctx, c.RatingService.GetUserRating(ctx.Request.Context(), id, claims.UserID))
}
