//go:build vulkan

// Package vulkan is the alternate gpu.Backend, selected with the Go
// build tag "vulkan": a cgo bridge to a headless Vulkan 1.1 compute
// queue. Every kernel runs through vkCmdDispatch; the GLSL source
// shared with the gles backend is compiled to SPIR-V once at startup
// by libshaderc, since the kernel set is fixed at process start rather
// than hand-assembled ahead of time.
package vulkan

/*
#cgo linux LDFLAGS: -lvulkan -lshaderc_shared
#include <vulkan/vulkan.h>
#include <shaderc/shaderc.h>
#include <stdlib.h>
#include <string.h>

static char vk_last_error[512] = {0};

static void vk_set_error(const char *msg) {
    strncpy(vk_last_error, msg, sizeof(vk_last_error) - 1);
}

static const char *vk_get_last_error() {
    return vk_last_error;
}

typedef struct {
    VkInstance       instance;
    VkPhysicalDevice physical_device;
    VkDevice         device;
    VkQueue          queue;
    uint32_t         queue_family;
    VkCommandPool    command_pool;
    VkDescriptorPool descriptor_pool;
    VkFence          fence;
} VkCtx;

typedef struct {
    VkBuffer       buffer;
    VkDeviceMemory memory;
    VkDeviceSize   size;
} VkBuf;

typedef struct {
    VkPipeline            pipeline;
    VkPipelineLayout      layout;
    VkDescriptorSetLayout set_layout;
    VkShaderModule        module;
} VkProg;

static int vk_find_compute_family(VkPhysicalDevice pd) {
    uint32_t count = 0;
    vkGetPhysicalDeviceQueueFamilyProperties(pd, &count, NULL);
    VkQueueFamilyProperties *props = malloc(count * sizeof(VkQueueFamilyProperties));
    vkGetPhysicalDeviceQueueFamilyProperties(pd, &count, props);
    int family = -1;
    for (uint32_t i = 0; i < count; i++) {
        if (props[i].queueFlags & VK_QUEUE_COMPUTE_BIT) { family = (int)i; break; }
    }
    free(props);
    return family;
}

static VkCtx *vk_create_context() {
    VkCtx *c = (VkCtx *)calloc(1, sizeof(VkCtx));
    if (!c) { vk_set_error("out of memory"); return NULL; }

    VkApplicationInfo app_info = {
        .sType = VK_STRUCTURE_TYPE_APPLICATION_INFO,
        .pApplicationName = "llama2-gpu",
        .apiVersion = VK_API_VERSION_1_1,
    };
    VkInstanceCreateInfo inst_info = { .sType = VK_STRUCTURE_TYPE_INSTANCE_CREATE_INFO, .pApplicationInfo = &app_info };
    if (vkCreateInstance(&inst_info, NULL, &c->instance) != VK_SUCCESS) {
        vk_set_error("vkCreateInstance failed");
        free(c);
        return NULL;
    }

    uint32_t device_count = 0;
    vkEnumeratePhysicalDevices(c->instance, &device_count, NULL);
    if (device_count == 0) {
        vk_set_error("no Vulkan physical devices");
        vkDestroyInstance(c->instance, NULL);
        free(c);
        return NULL;
    }
    VkPhysicalDevice *devices = malloc(device_count * sizeof(VkPhysicalDevice));
    vkEnumeratePhysicalDevices(c->instance, &device_count, devices);
    c->physical_device = devices[0];
    free(devices);

    int family = vk_find_compute_family(c->physical_device);
    if (family < 0) {
        vk_set_error("no compute-capable queue family");
        vkDestroyInstance(c->instance, NULL);
        free(c);
        return NULL;
    }
    c->queue_family = (uint32_t)family;

    float priority = 1.0f;
    VkDeviceQueueCreateInfo q_info = {
        .sType = VK_STRUCTURE_TYPE_DEVICE_QUEUE_CREATE_INFO,
        .queueFamilyIndex = c->queue_family,
        .queueCount = 1,
        .pQueuePriorities = &priority,
    };
    VkDeviceCreateInfo dev_info = {
        .sType = VK_STRUCTURE_TYPE_DEVICE_CREATE_INFO,
        .queueCreateInfoCount = 1,
        .pQueueCreateInfos = &q_info,
    };
    if (vkCreateDevice(c->physical_device, &dev_info, NULL, &c->device) != VK_SUCCESS) {
        vk_set_error("vkCreateDevice failed");
        vkDestroyInstance(c->instance, NULL);
        free(c);
        return NULL;
    }
    vkGetDeviceQueue(c->device, c->queue_family, 0, &c->queue);

    VkCommandPoolCreateInfo pool_info = {
        .sType = VK_STRUCTURE_TYPE_COMMAND_POOL_CREATE_INFO,
        .queueFamilyIndex = c->queue_family,
        .flags = VK_COMMAND_POOL_CREATE_RESET_COMMAND_BUFFER_BIT,
    };
    vkCreateCommandPool(c->device, &pool_info, NULL, &c->command_pool);

    VkDescriptorPoolSize pool_size = { VK_DESCRIPTOR_TYPE_STORAGE_BUFFER, 4096 };
    VkDescriptorPoolCreateInfo desc_pool_info = {
        .sType = VK_STRUCTURE_TYPE_DESCRIPTOR_POOL_CREATE_INFO,
        .flags = VK_DESCRIPTOR_POOL_CREATE_FREE_DESCRIPTOR_SET_BIT,
        .maxSets = 256,
        .poolSizeCount = 1,
        .pPoolSizes = &pool_size,
    };
    vkCreateDescriptorPool(c->device, &desc_pool_info, NULL, &c->descriptor_pool);

    VkFenceCreateInfo fence_info = { .sType = VK_STRUCTURE_TYPE_FENCE_CREATE_INFO };
    vkCreateFence(c->device, &fence_info, NULL, &c->fence);

    return c;
}

static void vk_destroy_context(VkCtx *c) {
    if (!c) return;
    if (c->fence) vkDestroyFence(c->device, c->fence, NULL);
    if (c->descriptor_pool) vkDestroyDescriptorPool(c->device, c->descriptor_pool, NULL);
    if (c->command_pool) vkDestroyCommandPool(c->device, c->command_pool, NULL);
    if (c->device) vkDestroyDevice(c->device, NULL);
    if (c->instance) vkDestroyInstance(c->instance, NULL);
    free(c);
}

static uint32_t vk_find_memory_type(VkCtx *c, uint32_t type_filter, VkMemoryPropertyFlags want) {
    VkPhysicalDeviceMemoryProperties props;
    vkGetPhysicalDeviceMemoryProperties(c->physical_device, &props);
    for (uint32_t i = 0; i < props.memoryTypeCount; i++) {
        if ((type_filter & (1u << i)) && (props.memoryTypes[i].propertyFlags & want) == want) return i;
    }
    return UINT32_MAX;
}

static VkBuf *vk_create_buffer(VkCtx *c, VkDeviceSize byte_len) {
    VkBuf *b = (VkBuf *)calloc(1, sizeof(VkBuf));
    if (!b) { vk_set_error("out of memory"); return NULL; }
    b->size = byte_len;

    VkBufferCreateInfo buf_info = {
        .sType = VK_STRUCTURE_TYPE_BUFFER_CREATE_INFO,
        .size = byte_len,
        .usage = VK_BUFFER_USAGE_STORAGE_BUFFER_BIT | VK_BUFFER_USAGE_TRANSFER_SRC_BIT | VK_BUFFER_USAGE_TRANSFER_DST_BIT,
        .sharingMode = VK_SHARING_MODE_EXCLUSIVE,
    };
    if (vkCreateBuffer(c->device, &buf_info, NULL, &b->buffer) != VK_SUCCESS) {
        vk_set_error("vkCreateBuffer failed");
        free(b);
        return NULL;
    }

    VkMemoryRequirements req;
    vkGetBufferMemoryRequirements(c->device, b->buffer, &req);
    uint32_t mem_type = vk_find_memory_type(c, req.memoryTypeBits,
        VK_MEMORY_PROPERTY_HOST_VISIBLE_BIT | VK_MEMORY_PROPERTY_HOST_COHERENT_BIT);
    if (mem_type == UINT32_MAX) {
        vk_set_error("no host-visible+coherent memory type for buffer");
        vkDestroyBuffer(c->device, b->buffer, NULL);
        free(b);
        return NULL;
    }

    VkMemoryAllocateInfo alloc_info = {
        .sType = VK_STRUCTURE_TYPE_MEMORY_ALLOCATE_INFO,
        .allocationSize = req.size,
        .memoryTypeIndex = mem_type,
    };
    if (vkAllocateMemory(c->device, &alloc_info, NULL, &b->memory) != VK_SUCCESS) {
        vk_set_error("vkAllocateMemory failed");
        vkDestroyBuffer(c->device, b->buffer, NULL);
        free(b);
        return NULL;
    }
    vkBindBufferMemory(c->device, b->buffer, b->memory, 0);
    return b;
}

static void vk_destroy_buffer(VkCtx *c, VkBuf *b) {
    if (!b) return;
    if (b->buffer) vkDestroyBuffer(c->device, b->buffer, NULL);
    if (b->memory) vkFreeMemory(c->device, b->memory, NULL);
    free(b);
}

static int vk_buffer_upload(VkCtx *c, VkBuf *b, VkDeviceSize offset, const void *data, VkDeviceSize len) {
    void *mapped;
    if (vkMapMemory(c->device, b->memory, offset, len, 0, &mapped) != VK_SUCCESS) {
        vk_set_error("vkMapMemory (upload) failed");
        return -1;
    }
    memcpy(mapped, data, len);
    vkUnmapMemory(c->device, b->memory);
    return 0;
}

static int vk_buffer_download(VkCtx *c, VkBuf *b, VkDeviceSize offset, void *out, VkDeviceSize len) {
    void *mapped;
    if (vkMapMemory(c->device, b->memory, offset, len, 0, &mapped) != VK_SUCCESS) {
        vk_set_error("vkMapMemory (download) failed");
        return -1;
    }
    memcpy(out, mapped, len);
    vkUnmapMemory(c->device, b->memory);
    return 0;
}

// vk_compile_kernel compiles GLSL compute source to SPIR-V via shaderc,
// then builds a one-binding-per-slot descriptor layout (up to 4
// storage buffers, matching the widest kernel contract) plus a
// pipeline with a push-constant range standing in for the uniform
// block every gles kernel declares at binding 8: both backends accept
// the same packed little-endian uniform bytes, just delivered through
// whichever mechanism is idiomatic for the API.
static VkProg *vk_compile_kernel(VkCtx *c, const char *source, uint32_t num_bindings, uint32_t push_constant_bytes) {
    shaderc_compiler_t compiler = shaderc_compiler_initialize();
    shaderc_compilation_result_t result = shaderc_compile_into_spv(
        compiler, source, strlen(source), shaderc_glsl_compute_shader, "kernel.comp", "main", NULL);

    if (shaderc_result_get_compilation_status(result) != shaderc_compilation_status_success) {
        vk_set_error(shaderc_result_get_error_message(result));
        shaderc_result_release(result);
        shaderc_compiler_release(compiler);
        return NULL;
    }

    size_t spirv_len = shaderc_result_get_length(result);
    const char *spirv = shaderc_result_get_bytes(result);

    VkProg *p = (VkProg *)calloc(1, sizeof(VkProg));
    VkShaderModuleCreateInfo mod_info = {
        .sType = VK_STRUCTURE_TYPE_SHADER_MODULE_CREATE_INFO,
        .codeSize = spirv_len,
        .pCode = (const uint32_t *)spirv,
    };
    VkResult vr = vkCreateShaderModule(c->device, &mod_info, NULL, &p->module);
    shaderc_result_release(result);
    shaderc_compiler_release(compiler);
    if (vr != VK_SUCCESS) {
        vk_set_error("vkCreateShaderModule failed");
        free(p);
        return NULL;
    }

    VkDescriptorSetLayoutBinding bindings[4];
    for (uint32_t i = 0; i < num_bindings; i++) {
        bindings[i] = (VkDescriptorSetLayoutBinding){
            .binding = i, .descriptorType = VK_DESCRIPTOR_TYPE_STORAGE_BUFFER,
            .descriptorCount = 1, .stageFlags = VK_SHADER_STAGE_COMPUTE_BIT,
        };
    }
    VkDescriptorSetLayoutCreateInfo layout_info = {
        .sType = VK_STRUCTURE_TYPE_DESCRIPTOR_SET_LAYOUT_CREATE_INFO,
        .bindingCount = num_bindings, .pBindings = bindings,
    };
    vkCreateDescriptorSetLayout(c->device, &layout_info, NULL, &p->set_layout);

    VkPushConstantRange pc_range = {
        .stageFlags = VK_SHADER_STAGE_COMPUTE_BIT, .offset = 0, .size = push_constant_bytes,
    };
    VkPipelineLayoutCreateInfo pl_info = {
        .sType = VK_STRUCTURE_TYPE_PIPELINE_LAYOUT_CREATE_INFO,
        .setLayoutCount = 1, .pSetLayouts = &p->set_layout,
        .pushConstantRangeCount = push_constant_bytes > 0 ? 1u : 0u,
        .pPushConstantRanges = push_constant_bytes > 0 ? &pc_range : NULL,
    };
    if (vkCreatePipelineLayout(c->device, &pl_info, NULL, &p->layout) != VK_SUCCESS) {
        vk_set_error("vkCreatePipelineLayout failed");
        vkDestroyDescriptorSetLayout(c->device, p->set_layout, NULL);
        vkDestroyShaderModule(c->device, p->module, NULL);
        free(p);
        return NULL;
    }

    VkComputePipelineCreateInfo pipe_info = {
        .sType = VK_STRUCTURE_TYPE_COMPUTE_PIPELINE_CREATE_INFO,
        .stage = {
            .sType = VK_STRUCTURE_TYPE_PIPELINE_SHADER_STAGE_CREATE_INFO,
            .stage = VK_SHADER_STAGE_COMPUTE_BIT,
            .module = p->module,
            .pName = "main",
        },
        .layout = p->layout,
    };
    if (vkCreateComputePipelines(c->device, VK_NULL_HANDLE, 1, &pipe_info, NULL, &p->pipeline) != VK_SUCCESS) {
        vk_set_error("vkCreateComputePipelines failed");
        vkDestroyPipelineLayout(c->device, p->layout, NULL);
        vkDestroyDescriptorSetLayout(c->device, p->set_layout, NULL);
        vkDestroyShaderModule(c->device, p->module, NULL);
        free(p);
        return NULL;
    }
    return p;
}

static void vk_destroy_kernel(VkCtx *c, VkProg *p) {
    if (!p) return;
    if (p->pipeline) vkDestroyPipeline(c->device, p->pipeline, NULL);
    if (p->layout) vkDestroyPipelineLayout(c->device, p->layout, NULL);
    if (p->set_layout) vkDestroyDescriptorSetLayout(c->device, p->set_layout, NULL);
    if (p->module) vkDestroyShaderModule(c->device, p->module, NULL);
    free(p);
}

// vk_dispatch records and submits a one-shot command buffer: allocate
// + update a descriptor set for this call's buffers, bind the
// pipeline, push the uniform bytes as push constants, dispatch, and
// wait on a fence. Synchronous: the reducer and transformer step never
// issue two dispatches expecting to overlap.
static int vk_dispatch(VkCtx *c, VkProg *p, VkBuf **bufs, uint32_t num_bufs,
                        const void *push_constants, uint32_t push_len,
                        uint32_t gx, uint32_t gy, uint32_t gz) {
    VkDescriptorSetAllocateInfo ds_alloc = {
        .sType = VK_STRUCTURE_TYPE_DESCRIPTOR_SET_ALLOCATE_INFO,
        .descriptorPool = c->descriptor_pool,
        .descriptorSetCount = 1,
        .pSetLayouts = &p->set_layout,
    };
    VkDescriptorSet set;
    if (vkAllocateDescriptorSets(c->device, &ds_alloc, &set) != VK_SUCCESS) {
        vk_set_error("vkAllocateDescriptorSets failed");
        return -1;
    }

    VkDescriptorBufferInfo buf_infos[4];
    VkWriteDescriptorSet writes[4];
    for (uint32_t i = 0; i < num_bufs; i++) {
        buf_infos[i] = (VkDescriptorBufferInfo){ .buffer = bufs[i]->buffer, .offset = 0, .range = VK_WHOLE_SIZE };
        writes[i] = (VkWriteDescriptorSet){
            .sType = VK_STRUCTURE_TYPE_WRITE_DESCRIPTOR_SET,
            .dstSet = set, .dstBinding = i, .descriptorCount = 1,
            .descriptorType = VK_DESCRIPTOR_TYPE_STORAGE_BUFFER,
            .pBufferInfo = &buf_infos[i],
        };
    }
    vkUpdateDescriptorSets(c->device, num_bufs, writes, 0, NULL);

    VkCommandBufferAllocateInfo cb_alloc = {
        .sType = VK_STRUCTURE_TYPE_COMMAND_BUFFER_ALLOCATE_INFO,
        .commandPool = c->command_pool, .level = VK_COMMAND_BUFFER_LEVEL_PRIMARY, .commandBufferCount = 1,
    };
    VkCommandBuffer cb;
    vkAllocateCommandBuffers(c->device, &cb_alloc, &cb);

    VkCommandBufferBeginInfo begin_info = {
        .sType = VK_STRUCTURE_TYPE_COMMAND_BUFFER_BEGIN_INFO,
        .flags = VK_COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT,
    };
    vkBeginCommandBuffer(cb, &begin_info);
    vkCmdBindPipeline(cb, VK_PIPELINE_BIND_POINT_COMPUTE, p->pipeline);
    vkCmdBindDescriptorSets(cb, VK_PIPELINE_BIND_POINT_COMPUTE, p->layout, 0, 1, &set, 0, NULL);
    if (push_len > 0) {
        vkCmdPushConstants(cb, p->layout, VK_SHADER_STAGE_COMPUTE_BIT, 0, push_len, push_constants);
    }
    vkCmdDispatch(cb, gx, gy, gz);

    VkMemoryBarrier barrier = {
        .sType = VK_STRUCTURE_TYPE_MEMORY_BARRIER,
        .srcAccessMask = VK_ACCESS_SHADER_WRITE_BIT,
        .dstAccessMask = VK_ACCESS_SHADER_READ_BIT | VK_ACCESS_HOST_READ_BIT,
    };
    vkCmdPipelineBarrier(cb, VK_PIPELINE_STAGE_COMPUTE_SHADER_BIT,
        VK_PIPELINE_STAGE_COMPUTE_SHADER_BIT | VK_PIPELINE_STAGE_HOST_BIT, 0, 1, &barrier, 0, NULL, 0, NULL);
    vkEndCommandBuffer(cb);

    vkResetFences(c->device, 1, &c->fence);
    VkSubmitInfo submit = { .sType = VK_STRUCTURE_TYPE_SUBMIT_INFO, .commandBufferCount = 1, .pCommandBuffers = &cb };
    if (vkQueueSubmit(c->queue, 1, &submit, c->fence) != VK_SUCCESS) {
        vk_set_error("vkQueueSubmit failed");
        vkFreeCommandBuffers(c->device, c->command_pool, 1, &cb);
        vkFreeDescriptorSets(c->device, c->descriptor_pool, 1, &set);
        return -1;
    }
    vkWaitForFences(c->device, 1, &c->fence, VK_TRUE, UINT64_MAX);

    vkFreeCommandBuffers(c->device, c->command_pool, 1, &cb);
    vkFreeDescriptorSets(c->device, c->descriptor_pool, 1, &set);
    return 0;
}

static int vk_copy_buffer(VkCtx *c, VkBuf *dst, VkDeviceSize dst_off, VkBuf *src, VkDeviceSize src_off, VkDeviceSize len) {
    VkCommandBufferAllocateInfo cb_alloc = {
        .sType = VK_STRUCTURE_TYPE_COMMAND_BUFFER_ALLOCATE_INFO,
        .commandPool = c->command_pool, .level = VK_COMMAND_BUFFER_LEVEL_PRIMARY, .commandBufferCount = 1,
    };
    VkCommandBuffer cb;
    vkAllocateCommandBuffers(c->device, &cb_alloc, &cb);
    VkCommandBufferBeginInfo begin_info = {
        .sType = VK_STRUCTURE_TYPE_COMMAND_BUFFER_BEGIN_INFO,
        .flags = VK_COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT,
    };
    vkBeginCommandBuffer(cb, &begin_info);
    VkBufferCopy region = { .srcOffset = src_off, .dstOffset = dst_off, .size = len };
    vkCmdCopyBuffer(cb, src->buffer, dst->buffer, 1, &region);
    vkEndCommandBuffer(cb);

    vkResetFences(c->device, 1, &c->fence);
    VkSubmitInfo submit = { .sType = VK_STRUCTURE_TYPE_SUBMIT_INFO, .commandBufferCount = 1, .pCommandBuffers = &cb };
    int ret = 0;
    if (vkQueueSubmit(c->queue, 1, &submit, c->fence) != VK_SUCCESS) {
        vk_set_error("vkQueueSubmit (copy) failed");
        ret = -1;
    } else {
        vkWaitForFences(c->device, 1, &c->fence, VK_TRUE, UINT64_MAX);
    }
    vkFreeCommandBuffers(c->device, c->command_pool, 1, &cb);
    return ret;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/cgoxopx/llama2.c/internal/gpu"
	"github.com/sirupsen/logrus"
)

// ErrDeviceUnavailable is returned by Init when no Vulkan 1.1
// compute-capable device could be created.
var ErrDeviceUnavailable = errors.New("vulkan: no compute-capable Vulkan device available")

func lastError() string { return C.GoString(C.vk_get_last_error()) }

// Backend implements gpu.Backend over a single headless Vulkan compute
// queue. Every program is compiled with a fixed 4-binding descriptor
// layout, the widest any kernel in kernels.go declares; unused
// trailing bindings are simply never written for narrower kernels.
type Backend struct {
	mu       sync.Mutex
	ctx      *C.VkCtx
	programs map[C.uint]*progInfo
	nextID   uint32
	bound    map[int]gpu.Buffer
}

type progInfo struct {
	ptr   *C.VkProg
	slots int
}

// New returns an uninitialized vulkan backend.
func New() *Backend {
	return &Backend{
		programs: make(map[C.uint]*progInfo),
		bound:    make(map[int]gpu.Buffer),
	}
}

func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx := C.vk_create_context()
	if ctx == nil {
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, lastError())
	}
	b.ctx = ctx
	logrus.Debugf("vulkan: acquired headless compute queue")
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.programs {
		C.vk_destroy_kernel(b.ctx, p.ptr)
		delete(b.programs, id)
	}
	if b.ctx != nil {
		C.vk_destroy_context(b.ctx)
		b.ctx = nil
	}
	return nil
}

// uniformBlockDecl is the uniform block header every kernel in
// kernels.go declares; under Vulkan the same packed bytes travel as
// push constants instead of a UBO, so the declaration is rewritten
// before the source reaches shaderc. Scalar uint/float members pack
// identically under std140 and the push-constant std430 default, so
// the host-side byte layout needs no change.
const uniformBlockDecl = "layout(std140, binding = 8) uniform U"

// CompileKernel compiles GLSL source with a 4-binding descriptor
// layout and a 32-byte push-constant range, wide enough for every
// uniform block kernels.go declares (the widest is six uint32 words =
// 24 bytes, rounded up).
func (b *Backend) CompileKernel(name, source string) (gpu.Program, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	source = strings.ReplaceAll(source, uniformBlockDecl, "layout(push_constant) uniform U")

	cSource := C.CString(source)
	defer C.free(unsafe.Pointer(cSource))

	p := C.vk_compile_kernel(b.ctx, cSource, 4, 32)
	if p == nil {
		logrus.Errorf("vulkan: compile %s failed: %s", name, lastError())
		return 0, fmt.Errorf("vulkan: compile %s: %s", name, lastError())
	}

	b.nextID++
	id := b.nextID
	b.programs[C.uint(id)] = &progInfo{ptr: p, slots: 4}
	return gpu.Program(id), nil
}

// vkBufferToHandle wraps a *C.VkBuf pointer as a uint64 handle inside
// gpu.Buffer, the same opaque-handle convention gles uses for GL
// buffer names.
func vkBufferToHandle(p *C.VkBuf) uint64 { return uint64(uintptr(unsafe.Pointer(p))) }
func handleToVkBuffer(h uint64) *C.VkBuf { return (*C.VkBuf)(unsafe.Pointer(uintptr(h))) }

func (b *Backend) CreateBuffer(byteLen int) (gpu.Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := C.vk_create_buffer(b.ctx, C.VkDeviceSize(byteLen))
	if p == nil {
		return gpu.Buffer{}, fmt.Errorf("vulkan: create buffer (%d bytes): %s", byteLen, lastError())
	}
	return gpu.NewBuffer(vkBufferToHandle(p), byteLen), nil
}

func (b *Backend) FreeBuffer(buf gpu.Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	C.vk_destroy_buffer(b.ctx, handleToVkBuffer(buf.Handle()))
	return nil
}

func (b *Backend) Upload(buf gpu.Buffer, byteOffset int, data []float32) error {
	if len(data) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := C.vk_buffer_upload(b.ctx, handleToVkBuffer(buf.Handle()), C.VkDeviceSize(byteOffset),
		unsafe.Pointer(&data[0]), C.VkDeviceSize(len(data)*4))
	if ret != 0 {
		return fmt.Errorf("vulkan: upload: %s", lastError())
	}
	return nil
}

func (b *Backend) Download(buf gpu.Buffer, byteOffset int, out []float32) error {
	if len(out) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := C.vk_buffer_download(b.ctx, handleToVkBuffer(buf.Handle()), C.VkDeviceSize(byteOffset),
		unsafe.Pointer(&out[0]), C.VkDeviceSize(len(out)*4))
	if ret != 0 {
		return fmt.Errorf("vulkan: download: %s", lastError())
	}
	return nil
}

func (b *Backend) CopyBuffer(dst gpu.Buffer, dstOffset int, src gpu.Buffer, srcOffset int, byteLen int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := C.vk_copy_buffer(b.ctx, handleToVkBuffer(dst.Handle()), C.VkDeviceSize(dstOffset),
		handleToVkBuffer(src.Handle()), C.VkDeviceSize(srcOffset), C.VkDeviceSize(byteLen))
	if ret != 0 {
		return fmt.Errorf("vulkan: copy buffer: %s", lastError())
	}
	return nil
}

// Bind records which buffer occupies a binding slot for the next
// Dispatch of this Backend; Vulkan descriptor sets are built fresh per
// dispatch inside Dispatch itself, since a set must name every bound
// buffer at once (unlike the gles backend's independently-settable
// glBindBufferBase slots).
func (b *Backend) Bind(prog gpu.Program, slot int, buf gpu.Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound[slot] = buf
	return nil
}

func (b *Backend) Dispatch(prog gpu.Program, groupsX, groupsY, groupsZ uint32, uniforms []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.programs[C.uint(prog)]
	if !ok {
		return fmt.Errorf("vulkan: dispatch: unknown program %d", prog)
	}

	var vkBufs [4]*C.VkBuf
	n := 0
	for slot := 0; slot < info.slots; slot++ {
		buf, ok := b.bound[slot]
		if !ok {
			break
		}
		vkBufs[slot] = handleToVkBuffer(buf.Handle())
		n = slot + 1
	}
	b.bound = make(map[int]gpu.Buffer)

	var pushPtr unsafe.Pointer
	if len(uniforms) > 0 {
		pushPtr = unsafe.Pointer(&uniforms[0])
	}

	ret := C.vk_dispatch(b.ctx, info.ptr, &vkBufs[0], C.uint32_t(n),
		pushPtr, C.uint32_t(len(uniforms)),
		C.uint32_t(groupsX), C.uint32_t(groupsY), C.uint32_t(groupsZ))
	if ret != 0 {
		err := &gpu.ErrDispatch{Kernel: fmt.Sprintf("program %d", prog), Err: fmt.Errorf("%s", lastError())}
		logrus.Errorf("%v", err)
		return err
	}
	return nil
}

// Barrier is a no-op here: vk_dispatch already inserts a
// VkMemoryBarrier covering shader-write -> shader-read/host-read after
// every dispatch, and vk_copy_buffer is submitted and fenced
// synchronously, so every GPU-visible write is complete before this
// call (or any subsequent Bind/Dispatch/Download) returns.
func (b *Backend) Barrier() error { return nil }
