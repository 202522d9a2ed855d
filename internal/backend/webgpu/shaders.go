//go:build windows || linux || darwin

package webgpu

// workgroupSize is the number of threads per workgroup in every shader.
const workgroupSize = 256

// saxpyShader computes y = alpha*x + y.
const saxpyShader = `
@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read_write> y: array<f32>;

struct Params {
    size: u32,
    alpha: f32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        y[idx] = params.alpha * x[idx] + y[idx];
    }
}
`

// sscalShader computes x = alpha*x.
const sscalShader = `
@group(0) @binding(0) var<storage, read_write> x: array<f32>;

struct Params {
    size: u32,
    alpha: f32,
}
@group(0) @binding(1) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        x[idx] = params.alpha * x[idx];
    }
}
`

// hprodShader computes dst = beta*dst + alpha*a*b.
const hprodShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> dst: array<f32>;

struct Params {
    size: u32,
    alpha: f32,
    beta: f32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        var prev = 0.0;
        if (params.beta != 0.0) {
            prev = params.beta * dst[idx];
        }
        dst[idx] = prev + params.alpha * a[idx] * b[idx];
    }
}
`
